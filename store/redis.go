package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/redis/go-redis/v9"

	"nearby-alerts/geo"
	"nearby-alerts/pkg/notifier"
)

// Key layout, relative to the configured prefix:
//
//	reports:<id>                 report JSON (counters and sets live beside it)
//	reports:<id>:counters        hash of counter fields
//	reports:<id>:set:<field>     set fields (upvoted_by, tracked_by)
//	reports:<id>:comments        list of comment JSON
//	posts:<id>[...]              same shape as reports
//	idx:reports, idx:alerts      lex-ordered zsets of "<geohash>\x00<id>"
//	alerts:<user>                alert subscription JSON
//	notifications:<id>           notification JSON
//	users:<user>:notifications   set of notification ids
//	idx:pending                  zset of pending notification ids by created ms
//	tokens:<user>                hash of token -> PushToken JSON
const (
	idxReports = "idx:reports"
	idxAlerts  = "idx:alerts"
	idxPending = "idx:pending"
)

var createReportScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('ZADD', KEYS[2], 0, ARGV[2])
return 1
`)

var createNotificationScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('SADD', KEYS[2], ARGV[2])
if ARGV[3] ~= '' then redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2]) end
return 1
`)

// The field scripts reply {status, value, geohash}; status -1 means the
// document does not exist.
var memberScript = redis.NewScript(`
local doc = redis.call('GET', KEYS[1])
if not doc then return {-1, 0, ''} end
local changed
if tonumber(ARGV[3]) > 0 then
  changed = redis.call('SADD', KEYS[2], ARGV[1])
else
  changed = redis.call('SREM', KEYS[2], ARGV[1])
end
if changed == 1 and ARGV[2] ~= '' then redis.call('HINCRBY', KEYS[3], ARGV[2], ARGV[3]) end
local gh = cjson.decode(doc)['geohash']
if type(gh) ~= 'string' then gh = '' end
return {changed, 0, gh}
`)

var incrementScript = redis.NewScript(`
local doc = redis.call('GET', KEYS[1])
if not doc then return {-1, 0, ''} end
local v = redis.call('HINCRBY', KEYS[2], ARGV[1], ARGV[2])
local gh = cjson.decode(doc)['geohash']
if type(gh) ~= 'string' then gh = '' end
return {1, v, gh}
`)

var commentScript = redis.NewScript(`
local doc = redis.call('GET', KEYS[1])
if not doc then return {-1, 0, ''} end
redis.call('RPUSH', KEYS[2], ARGV[1])
local v = redis.call('HINCRBY', KEYS[3], ARGV[2], 1)
local gh = cjson.decode(doc)['geohash']
if type(gh) ~= 'string' then gh = '' end
return {1, v, gh}
`)

// Redis is the deployed store. Writes that touch several keys run as Lua
// scripts or WATCH transactions; live queries are refreshed from Pub/Sub
// change events, so every replica sees every other replica's writes.
type Redis struct {
	client      *redis.Client
	logger      *slog.Logger
	pubsub      *redis.PubSub
	reportWatch map[*reportWatcher]struct{}
	notifyWatch map[*notificationWatcher]struct{}
	prefix      string
	mu          sync.Mutex
	version     atomic.Uint64
}

// NewRedis creates a store that namespaces every key under prefix.
func NewRedis(client *redis.Client, prefix string, logger *slog.Logger) *Redis {
	return &Redis{
		client:      client,
		logger:      logger,
		prefix:      prefix,
		reportWatch: make(map[*reportWatcher]struct{}),
		notifyWatch: make(map[*notificationWatcher]struct{}),
	}
}

// Close stops the change listener. The client stays open.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub == nil {
		return nil
	}
	err := r.pubsub.Close()
	r.pubsub = nil
	return err
}

func (r *Redis) key(parts ...string) string {
	return r.prefix + strings.Join(parts, ":")
}

func (r *Redis) docKey(ref notifier.DocRef) string { return r.key(ref.Collection, ref.ID) }

func (r *Redis) reportsChannel() string       { return r.key("events", "reports") }
func (r *Redis) notificationsChannel() string { return r.key("events", "notifications") }

func indexMember(geohash, id string) string { return geohash + "\x00" + id }

func memberID(member string) string {
	if i := strings.IndexByte(member, 0); i >= 0 {
		return member[i+1:]
	}
	return member
}

// lexRange selects index members whose geohash lies in rng.
func lexRange(rng geo.Range) *redis.ZRangeBy {
	return &redis.ZRangeBy{Min: "[" + rng.Lower, Max: "[" + rng.Upper + "\x00\xff"}
}

func storeErr(op string, err error) error {
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s: %w", op, notifier.ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", op, notifier.ErrTransientIO, err)
}

func scriptReply(v any) (status, value int64, geohash string, err error) {
	parts, ok := v.([]any)
	if !ok || len(parts) != 3 {
		return 0, 0, "", fmt.Errorf("unexpected script reply %v", v)
	}
	status, _ = parts[0].(int64)
	value, _ = parts[1].(int64)
	geohash, _ = parts[2].(string)
	return status, value, geohash, nil
}

// watch runs fn as an optimistic transaction, retrying when a watched key
// changed underneath it. Errors from fn are returned as is.
func (r *Redis) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	var last error
	err := retry.Do(
		func() error {
			last = r.client.Watch(ctx, fn, keys...)
			if last != nil && !errors.Is(last, redis.TxFailedErr) {
				return retry.Unrecoverable(last)
			}
			return last
		},
		retry.Attempts(10),
		retry.Delay(2*time.Millisecond),
		retry.MaxDelay(50*time.Millisecond),
		retry.MaxJitter(5*time.Millisecond),
		retry.Context(ctx),
	)
	if err != nil && last != nil {
		return last
	}
	return err
}

func (r *Redis) publish(ctx context.Context, channel, payload string) {
	if payload == "" {
		return
	}
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		r.logger.Warn("Failed to publish change event", "channel", channel, "error", err)
	}
}

// CreateReport stores a new report and its index entry in one script.
func (r *Redis) CreateReport(ctx context.Context, rep *notifier.Report) error {
	if rep.ID == "" || rep.Geohash == "" {
		return fmt.Errorf("%w: report id and geohash are required", notifier.ErrInvalidArgument)
	}
	stored := *rep
	stored.TrackedBy = nil
	stored.Upvotes = 0
	stored.CommentCount = 0
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	ref := notifier.DocRef{Collection: notifier.CollectionReports, ID: rep.ID}
	created, err := createReportScript.Run(ctx, r.client,
		[]string{r.docKey(ref), r.key(idxReports)},
		string(data), indexMember(rep.Geohash, rep.ID)).Int()
	if err != nil {
		return storeErr("create report", err)
	}
	if created == 0 {
		return fmt.Errorf("report %s: %w", rep.ID, notifier.ErrAlreadyExists)
	}
	r.publish(ctx, r.reportsChannel(), rep.Geohash)
	return nil
}

// Report loads one report.
func (r *Redis) Report(ctx context.Context, id string) (*notifier.Report, error) {
	rs, err := r.loadReports(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, fmt.Errorf("report %s: %w", id, notifier.ErrNotFound)
	}
	return rs[0], nil
}

// DeleteReport removes a report with its counters, sets and comments.
func (r *Redis) DeleteReport(ctx context.Context, id string) error {
	ref := notifier.DocRef{Collection: notifier.CollectionReports, ID: id}
	key := r.docKey(ref)

	var rep notifier.Report
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return storeErr("report "+id, err)
	}
	if err := json.Unmarshal(data, &rep); err != nil {
		return fmt.Errorf("unmarshal report: %w", err)
	}

	keys := []string{key}
	iter := r.client.Scan(ctx, 0, key+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return storeErr("scan report keys", err)
	}

	if _, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		p.ZRem(ctx, r.key(idxReports), indexMember(rep.Geohash, id))
		return nil
	}); err != nil {
		return storeErr("delete report", err)
	}
	r.publish(ctx, r.reportsChannel(), rep.Geohash)
	return nil
}

// SetReportStatus updates the status field of a report.
func (r *Redis) SetReportStatus(ctx context.Context, id string, status notifier.ReportStatus) error {
	key := r.docKey(notifier.DocRef{Collection: notifier.CollectionReports, ID: id})
	var geohash string
	err := r.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return storeErr("report "+id, err)
		}
		var rep notifier.Report
		if err := json.Unmarshal(data, &rep); err != nil {
			return fmt.Errorf("unmarshal report: %w", err)
		}
		rep.Status = status
		geohash = rep.Geohash
		out, err := json.Marshal(&rep)
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return err
	}
	r.publish(ctx, r.reportsChannel(), geohash)
	return nil
}

// QueryReports returns the reports selected by q, ordered by id.
func (r *Redis) QueryReports(ctx context.Context, q ReportQuery) ([]*notifier.Report, error) {
	members, err := r.client.ZRangeByLex(ctx, r.key(idxReports), lexRange(q.Range)).Result()
	if err != nil {
		return nil, storeErr("query report index", err)
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, memberID(m))
	}
	rs, err := r.loadReports(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := rs[:0]
	for _, rep := range rs {
		if q.Match(rep) {
			out = append(out, rep)
		}
	}
	sortReports(out)
	return out, nil
}

// loadReports reads reports with their counters and tracked-by sets.
// Ids that no longer exist are skipped.
func (r *Redis) loadReports(ctx context.Context, ids []string) ([]*notifier.Report, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	docs := make([]*redis.StringCmd, len(ids))
	counters := make([]*redis.MapStringStringCmd, len(ids))
	tracked := make([]*redis.StringSliceCmd, len(ids))
	for i, id := range ids {
		key := r.docKey(notifier.DocRef{Collection: notifier.CollectionReports, ID: id})
		docs[i] = pipe.Get(ctx, key)
		counters[i] = pipe.HGetAll(ctx, key+":counters")
		tracked[i] = pipe.SMembers(ctx, key+":set:"+notifier.FieldTrackedBy)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, storeErr("load reports", err)
	}

	out := make([]*notifier.Report, 0, len(ids))
	for i := range ids {
		data, err := docs[i].Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, storeErr("load report", err)
		}
		var rep notifier.Report
		if err := json.Unmarshal(data, &rep); err != nil {
			return nil, fmt.Errorf("unmarshal report: %w", err)
		}
		c := counters[i].Val()
		rep.Upvotes, _ = strconv.ParseInt(c[notifier.FieldUpvotes], 10, 64)
		rep.CommentCount, _ = strconv.ParseInt(c[notifier.FieldCommentCount], 10, 64)
		if members := tracked[i].Val(); len(members) > 0 {
			sort.Strings(members)
			rep.TrackedBy = members
		}
		out = append(out, &rep)
	}
	return out, nil
}

// SubscribeReports delivers the result of q now and again after every change
// inside q's range.
func (r *Redis) SubscribeReports(ctx context.Context, q ReportQuery, fn func([]*notifier.Report)) (CancelFunc, error) {
	if err := r.ensureListener(ctx); err != nil {
		return nil, err
	}
	w := &reportWatcher{watcher: watcher[[]*notifier.Report]{fn: fn}, query: q}
	r.mu.Lock()
	r.reportWatch[w] = struct{}{}
	r.mu.Unlock()

	version := r.version.Add(1)
	snapshot, err := r.QueryReports(ctx, q)
	if err != nil {
		r.mu.Lock()
		delete(r.reportWatch, w)
		r.mu.Unlock()
		return nil, err
	}
	w.deliver(version, snapshot)

	return func() {
		w.close()
		r.mu.Lock()
		delete(r.reportWatch, w)
		r.mu.Unlock()
	}, nil
}

// AddComment stores a comment and bumps the report's comment count in one script.
func (r *Redis) AddComment(ctx context.Context, c *notifier.Comment) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal comment: %w", err)
	}
	key := r.docKey(notifier.DocRef{Collection: notifier.CollectionReports, ID: c.ReportID})
	res, err := commentScript.Run(ctx, r.client,
		[]string{key, key + ":comments", key + ":counters"},
		string(data), notifier.FieldCommentCount).Result()
	if err != nil {
		return storeErr("add comment", err)
	}
	status, _, geohash, err := scriptReply(res)
	if err != nil {
		return err
	}
	if status < 0 {
		return fmt.Errorf("report %s: %w", c.ReportID, notifier.ErrNotFound)
	}
	r.publish(ctx, r.reportsChannel(), geohash)
	return nil
}

// Comments lists a report's comments oldest first.
func (r *Redis) Comments(ctx context.Context, reportID string) ([]*notifier.Comment, error) {
	key := r.docKey(notifier.DocRef{Collection: notifier.CollectionReports, ID: reportID})
	raw, err := r.client.LRange(ctx, key+":comments", 0, -1).Result()
	if err != nil {
		return nil, storeErr("list comments", err)
	}
	out := make([]*notifier.Comment, 0, len(raw))
	for _, s := range raw {
		var c notifier.Comment
		if err := json.Unmarshal([]byte(s), &c); err != nil {
			return nil, fmt.Errorf("unmarshal comment: %w", err)
		}
		out = append(out, &c)
	}
	return out, nil
}

// CreatePost stores a community post.
func (r *Redis) CreatePost(ctx context.Context, p *notifier.Post) error {
	stored := *p
	stored.Likes = 0
	stored.LikedBy = nil
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal post: %w", err)
	}
	key := r.docKey(notifier.DocRef{Collection: notifier.CollectionPosts, ID: p.ID})
	ok, err := r.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return storeErr("create post", err)
	}
	if !ok {
		return fmt.Errorf("post %s: %w", p.ID, notifier.ErrAlreadyExists)
	}
	return nil
}

// Post loads one post with its like counter and set.
func (r *Redis) Post(ctx context.Context, id string) (*notifier.Post, error) {
	key := r.docKey(notifier.DocRef{Collection: notifier.CollectionPosts, ID: id})
	pipe := r.client.Pipeline()
	doc := pipe.Get(ctx, key)
	counters := pipe.HGetAll(ctx, key+":counters")
	liked := pipe.SMembers(ctx, key+":set:"+notifier.FieldLikedBy)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, storeErr("load post", err)
	}
	data, err := doc.Bytes()
	if err != nil {
		return nil, storeErr("post "+id, err)
	}
	var p notifier.Post
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal post: %w", err)
	}
	p.Likes, _ = strconv.ParseInt(counters.Val()[notifier.FieldLikes], 10, 64)
	if members := liked.Val(); len(members) > 0 {
		sort.Strings(members)
		p.LikedBy = members
	}
	return &p, nil
}

func validCollection(ref notifier.DocRef) error {
	switch ref.Collection {
	case notifier.CollectionReports, notifier.CollectionPosts:
		return nil
	}
	return fmt.Errorf("%w: unknown collection %q", notifier.ErrInvalidArgument, ref.Collection)
}

// Increment atomically adds delta to a counter field and returns the new value.
func (r *Redis) Increment(ctx context.Context, ref notifier.DocRef, field string, delta int64) (int64, error) {
	if err := validCollection(ref); err != nil {
		return 0, err
	}
	key := r.docKey(ref)
	res, err := incrementScript.Run(ctx, r.client, []string{key, key + ":counters"}, field, delta).Result()
	if err != nil {
		return 0, storeErr("increment", err)
	}
	status, v, geohash, err := scriptReply(res)
	if err != nil {
		return 0, err
	}
	if status < 0 {
		return 0, fmt.Errorf("%s: %w", ref, notifier.ErrNotFound)
	}
	r.publish(ctx, r.reportsChannel(), geohash)
	return v, nil
}

// AddMember adds member to a set field and bumps countField when it was absent.
func (r *Redis) AddMember(ctx context.Context, ref notifier.DocRef, setField, countField, member string) (bool, error) {
	return r.member(ctx, ref, setField, countField, member, 1)
}

// RemoveMember is the inverse of AddMember.
func (r *Redis) RemoveMember(ctx context.Context, ref notifier.DocRef, setField, countField, member string) (bool, error) {
	return r.member(ctx, ref, setField, countField, member, -1)
}

func (r *Redis) member(ctx context.Context, ref notifier.DocRef, setField, countField, member string, delta int) (bool, error) {
	if err := validCollection(ref); err != nil {
		return false, err
	}
	key := r.docKey(ref)
	res, err := memberScript.Run(ctx, r.client,
		[]string{key, key + ":set:" + setField, key + ":counters"},
		member, countField, delta).Result()
	if err != nil {
		return false, storeErr("update set "+setField, err)
	}
	status, _, geohash, err := scriptReply(res)
	if err != nil {
		return false, err
	}
	if status < 0 {
		return false, fmt.Errorf("%s: %w", ref, notifier.ErrNotFound)
	}
	if status == 0 {
		return false, nil
	}
	r.publish(ctx, r.reportsChannel(), geohash)
	return true, nil
}

// PutSubscription creates or replaces a user's alert subscription and moves
// its index entry when the center changed.
func (r *Redis) PutSubscription(ctx context.Context, sub *notifier.AlertSubscription) error {
	if sub.UserID == "" || sub.Geohash == "" {
		return fmt.Errorf("%w: subscription user and geohash are required", notifier.ErrInvalidArgument)
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	key := r.key("alerts", sub.UserID)
	return r.watch(ctx, func(tx *redis.Tx) error {
		var prev notifier.AlertSubscription
		old, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return storeErr("load subscription", err)
		}
		if err == nil {
			if err := json.Unmarshal(old, &prev); err != nil {
				return fmt.Errorf("unmarshal subscription: %w", err)
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if prev.Geohash != "" && prev.Geohash != sub.Geohash {
				p.ZRem(ctx, r.key(idxAlerts), indexMember(prev.Geohash, sub.UserID))
			}
			p.Set(ctx, key, data, 0)
			p.ZAdd(ctx, r.key(idxAlerts), redis.Z{Member: indexMember(sub.Geohash, sub.UserID)})
			return nil
		})
		return err
	}, key)
}

// Subscription loads a user's alert subscription.
func (r *Redis) Subscription(ctx context.Context, userID string) (*notifier.AlertSubscription, error) {
	data, err := r.client.Get(ctx, r.key("alerts", userID)).Bytes()
	if err != nil {
		return nil, storeErr("subscription "+userID, err)
	}
	var sub notifier.AlertSubscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}
	return &sub, nil
}

// DeleteSubscription removes a user's alert subscription. Missing is not an error.
func (r *Redis) DeleteSubscription(ctx context.Context, userID string) error {
	sub, err := r.Subscription(ctx, userID)
	if notifier.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.key("alerts", userID))
		p.ZRem(ctx, r.key(idxAlerts), indexMember(sub.Geohash, userID))
		return nil
	}); err != nil {
		return storeErr("delete subscription", err)
	}
	return nil
}

// QuerySubscriptions returns subscriptions whose center geohash lies in rng.
func (r *Redis) QuerySubscriptions(ctx context.Context, rng geo.Range) ([]*notifier.AlertSubscription, error) {
	members, err := r.client.ZRangeByLex(ctx, r.key(idxAlerts), lexRange(rng)).Result()
	if err != nil {
		return nil, storeErr("query alert index", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = r.key("alerts", memberID(m))
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeErr("load subscriptions", err)
	}
	var out []*notifier.AlertSubscription
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var sub notifier.AlertSubscription
		if err := json.Unmarshal([]byte(s), &sub); err != nil {
			return nil, fmt.Errorf("unmarshal subscription: %w", err)
		}
		if rng.Contains(sub.Geohash) {
			out = append(out, &sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// CreateNotification stores rec unless a record with the same id exists.
func (r *Redis) CreateNotification(ctx context.Context, rec *notifier.NotificationRecord) (bool, error) {
	if rec.ID == "" || rec.UserID == "" {
		return false, fmt.Errorf("%w: notification id and recipient are required", notifier.ErrInvalidArgument)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal notification: %w", err)
	}
	score := ""
	if rec.DeliveryState == notifier.DeliveryPending {
		score = strconv.FormatInt(rec.CreatedAt.UnixMilli(), 10)
	}
	created, err := createNotificationScript.Run(ctx, r.client,
		[]string{r.key("notifications", rec.ID), r.key("users", rec.UserID, "notifications"), r.key(idxPending)},
		string(data), rec.ID, score).Int()
	if err != nil {
		return false, storeErr("create notification", err)
	}
	if created == 0 {
		return false, nil
	}
	r.publish(ctx, r.notificationsChannel(), rec.UserID)
	return true, nil
}

// Notification loads one record.
func (r *Redis) Notification(ctx context.Context, id string) (*notifier.NotificationRecord, error) {
	data, err := r.client.Get(ctx, r.key("notifications", id)).Bytes()
	if err != nil {
		return nil, storeErr("notification "+id, err)
	}
	var rec notifier.NotificationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal notification: %w", err)
	}
	return &rec, nil
}

// updateNotification applies mutate to a record inside a WATCH transaction.
// mutate reports whether anything changed.
func (r *Redis) updateNotification(ctx context.Context, id string, mutate func(*notifier.NotificationRecord) (bool, error)) (*notifier.NotificationRecord, bool, error) {
	key := r.key("notifications", id)
	var (
		rec     notifier.NotificationRecord
		changed bool
	)
	err := r.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return storeErr("notification "+id, err)
		}
		rec = notifier.NotificationRecord{}
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshal notification: %w", err)
		}
		changed, err = mutate(&rec)
		if err != nil || !changed {
			return err
		}
		out, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal notification: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, out, 0)
			if rec.DeliveryState != notifier.DeliveryPending {
				p.ZRem(ctx, r.key(idxPending), id)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, false, err
	}
	if changed {
		r.publish(ctx, r.notificationsChannel(), rec.UserID)
	}
	return &rec, changed, nil
}

// UpdateDelivery records the delivery state and attempt count of a record.
func (r *Redis) UpdateDelivery(ctx context.Context, id string, state notifier.DeliveryState, attempts int) error {
	_, _, err := r.updateNotification(ctx, id, func(rec *notifier.NotificationRecord) (bool, error) {
		rec.DeliveryState = state
		rec.DeliveryAttempts = attempts
		return true, nil
	})
	return err
}

// MarkRead marks one of the user's records as read. Already read is a no-op.
func (r *Redis) MarkRead(ctx context.Context, userID, id string) error {
	_, _, err := r.updateNotification(ctx, id, func(rec *notifier.NotificationRecord) (bool, error) {
		if rec.UserID != userID {
			return false, fmt.Errorf("notification %s: %w", id, notifier.ErrNotFound)
		}
		if rec.Read {
			return false, nil
		}
		rec.Read = true
		return true, nil
	})
	return err
}

// MarkAllRead marks every unread record of the user as read and returns how many changed.
func (r *Redis) MarkAllRead(ctx context.Context, userID string) (int, error) {
	recs, err := r.ListNotifications(ctx, userID)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, rec := range recs {
		if rec.Read {
			continue
		}
		_, ok, err := r.updateNotification(ctx, rec.ID, func(n *notifier.NotificationRecord) (bool, error) {
			if n.Read {
				return false, nil
			}
			n.Read = true
			return true, nil
		})
		if notifier.IsNotFound(err) {
			continue
		}
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

// DeleteAll removes every record of the user and returns how many were removed.
func (r *Redis) DeleteAll(ctx context.Context, userID string) (int, error) {
	setKey := r.key("users", userID, "notifications")
	ids, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, storeErr("list notification ids", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = r.key("notifications", id)
		members[i] = id
	}
	var del *redis.IntCmd
	if _, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, keys...)
		p.ZRem(ctx, r.key(idxPending), members...)
		p.SRem(ctx, setKey, members...)
		return nil
	}); err != nil {
		return 0, storeErr("delete notifications", err)
	}
	removed := int(del.Val())
	if removed > 0 {
		r.publish(ctx, r.notificationsChannel(), userID)
	}
	return removed, nil
}

// ListNotifications returns the user's records newest first.
func (r *Redis) ListNotifications(ctx context.Context, userID string) ([]*notifier.NotificationRecord, error) {
	ids, err := r.client.SMembers(ctx, r.key("users", userID, "notifications")).Result()
	if err != nil {
		return nil, storeErr("list notification ids", err)
	}
	out, err := r.loadNotifications(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortNotifications(out)
	return out, nil
}

func (r *Redis) loadNotifications(ctx context.Context, ids []string) ([]*notifier.NotificationRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key("notifications", id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeErr("load notifications", err)
	}
	out := make([]*notifier.NotificationRecord, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec notifier.NotificationRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal notification: %w", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

// UnreadCount returns how many of the user's records are unread.
func (r *Redis) UnreadCount(ctx context.Context, userID string) (int, error) {
	recs, err := r.ListNotifications(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(unreadOf(recs)), nil
}

// PendingNotifications returns up to limit pending records created before the
// cutoff, oldest first, skipping the first offset of them.
func (r *Redis) PendingNotifications(ctx context.Context, before time.Time, offset, limit int) ([]*notifier.NotificationRecord, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: "(" + strconv.FormatInt(before.UnixMilli(), 10), Offset: int64(max(offset, 0)), Count: -1}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := r.client.ZRangeByScore(ctx, r.key(idxPending), by).Result()
	if err != nil {
		return nil, storeErr("query pending index", err)
	}
	recs, err := r.loadNotifications(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		if rec.DeliveryState == notifier.DeliveryPending {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return pendingLess(out[i], out[j]) })
	return out, nil
}

// SubscribeNotifications delivers the user's records (only unread ones when
// unreadOnly) now and after every change to them.
func (r *Redis) SubscribeNotifications(ctx context.Context, userID string, unreadOnly bool, fn func([]*notifier.NotificationRecord)) (CancelFunc, error) {
	if err := r.ensureListener(ctx); err != nil {
		return nil, err
	}
	w := &notificationWatcher{
		watcher:    watcher[[]*notifier.NotificationRecord]{fn: fn},
		userID:     userID,
		unreadOnly: unreadOnly,
	}
	r.mu.Lock()
	r.notifyWatch[w] = struct{}{}
	r.mu.Unlock()

	version := r.version.Add(1)
	snapshot, err := r.ListNotifications(ctx, userID)
	if err != nil {
		r.mu.Lock()
		delete(r.notifyWatch, w)
		r.mu.Unlock()
		return nil, err
	}
	if unreadOnly {
		snapshot = unreadOf(snapshot)
	}
	w.deliver(version, snapshot)

	return func() {
		w.close()
		r.mu.Lock()
		delete(r.notifyWatch, w)
		r.mu.Unlock()
	}, nil
}

// RegisterToken creates or refreshes a device token.
func (r *Redis) RegisterToken(ctx context.Context, tok notifier.PushToken) error {
	if tok.UserID == "" || tok.Token == "" {
		return fmt.Errorf("%w: token user and value are required", notifier.ErrInvalidArgument)
	}
	if tok.LastValidated.IsZero() {
		tok.LastValidated = time.Now().UTC()
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := r.client.HSet(ctx, r.key("tokens", tok.UserID), tok.Token, data).Err(); err != nil {
		return storeErr("register token", err)
	}
	return nil
}

// Tokens lists a user's device tokens.
func (r *Redis) Tokens(ctx context.Context, userID string) ([]notifier.PushToken, error) {
	vals, err := r.client.HVals(ctx, r.key("tokens", userID)).Result()
	if err != nil {
		return nil, storeErr("list tokens", err)
	}
	out := make([]notifier.PushToken, 0, len(vals))
	for _, v := range vals {
		var tok notifier.PushToken
		if err := json.Unmarshal([]byte(v), &tok); err != nil {
			return nil, fmt.Errorf("unmarshal token: %w", err)
		}
		out = append(out, tok)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

// PruneToken permanently removes a device token. Missing is not an error.
func (r *Redis) PruneToken(ctx context.Context, userID, token string) error {
	if err := r.client.HDel(ctx, r.key("tokens", userID), token).Err(); err != nil {
		return storeErr("prune token", err)
	}
	return nil
}

// ensureListener subscribes to the change channels once and waits for the
// subscription to be confirmed, so no change after it returns is missed.
func (r *Redis) ensureListener(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return nil
	}
	ps := r.client.Subscribe(ctx, r.reportsChannel(), r.notificationsChannel())
	if _, err := ps.Receive(ctx); err != nil {
		if closeErr := ps.Close(); closeErr != nil {
			r.logger.Warn("Failed to close pubsub", "error", closeErr)
		}
		return storeErr("subscribe to changes", err)
	}
	r.pubsub = ps
	go r.listen(ps.Channel())
	return nil
}

func (r *Redis) listen(ch <-chan *redis.Message) {
	for msg := range ch {
		switch msg.Channel {
		case r.reportsChannel():
			r.refreshReports(msg.Payload)
		case r.notificationsChannel():
			r.refreshNotifications(msg.Payload)
		}
	}
}

func (r *Redis) refreshReports(geohash string) {
	r.mu.Lock()
	var targets []*reportWatcher
	for w := range r.reportWatch {
		if w.query.Range.Contains(geohash) {
			targets = append(targets, w)
		}
	}
	r.mu.Unlock()

	for _, w := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		version := r.version.Add(1)
		rs, err := r.QueryReports(ctx, w.query)
		cancel()
		if err != nil {
			r.logger.Warn("Failed to refresh live report query", "geohash", geohash, "error", err)
			continue
		}
		w.deliver(version, rs)
	}
}

func (r *Redis) refreshNotifications(userID string) {
	r.mu.Lock()
	var targets []*notificationWatcher
	for w := range r.notifyWatch {
		if w.userID == userID {
			targets = append(targets, w)
		}
	}
	r.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	version := r.version.Add(1)
	all, err := r.ListNotifications(ctx, userID)
	if err != nil {
		r.logger.Warn("Failed to refresh live notification query", "user_id", userID, "error", err)
		return
	}
	for _, w := range targets {
		snapshot := all
		if w.unreadOnly {
			snapshot = unreadOf(all)
		}
		w.deliver(version, snapshot)
	}
}
