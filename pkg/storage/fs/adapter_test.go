package fs

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetrove/trove/pkg/core"
	"github.com/spacetrove/trove/pkg/model"
	"github.com/spacetrove/trove/pkg/observability"
	"github.com/spacetrove/trove/pkg/policy"
	"github.com/spacetrove/trove/pkg/storage"
)

func newTestAdapter(t *testing.T) (*Adapter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	adapter, err := New(Options{
		SpacesRoot: t.TempDir(),
		RedisURL:   "redis://" + mr.Addr(),
		Logger:     observability.NewLogger(observability.ErrorLevel, io.Discard),
	})
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })
	return adapter, mr
}

func newContent(shortname, owner string, active bool, body model.JSON) *model.Content {
	raw, _ := json.Marshal(body)
	return &model.Content{Meta: model.Meta{
		Shortname:      shortname,
		IsActive:       active,
		OwnerShortname: owner,
		Payload: &model.Payload{
			ContentType: model.ContentTypeJSON,
			Body:        raw,
		},
	}}
}

func viewerFilter(space, subpath string) storage.AccessFilter {
	return storage.AccessFilter{
		Caller:   "viewer",
		Policies: []string{policy.String(space, subpath, model.ResourceTypeContent, true, "")},
	}
}

func TestCreateAndLoad(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	entry := newContent("a1", "alice", true, model.JSON{"title": "hello"})
	require.NoError(t, adapter.Create(ctx, "data", "articles", entry))

	loaded, err := adapter.Load(ctx, "data", "articles", "a1", model.ResourceTypeContent)
	require.NoError(t, err)
	assert.Equal(t, "a1", loaded.Base().Shortname)
	assert.Equal(t, "alice", loaded.Base().OwnerShortname)
	assert.False(t, loaded.Base().CreatedAt.IsZero())

	t.Run("duplicate shortname", func(t *testing.T) {
		err := adapter.Create(ctx, "data", "articles", newContent("a1", "bob", true, nil))
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.CodeShortnameExists))
	})

	t.Run("missing entry", func(t *testing.T) {
		_, err := adapter.Load(ctx, "data", "articles", "ghost", model.ResourceTypeContent)
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.CodeObjectNotFound))

		res, err := adapter.LoadOrNil(ctx, "data", "articles", "ghost", model.ResourceTypeContent)
		require.NoError(t, err)
		assert.Nil(t, res)
	})
}

func TestUpdateAppendsHistory(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	entry := newContent("a1", "alice", true, model.JSON{"title": "hello"})
	require.NoError(t, adapter.Create(ctx, "data", "articles", entry))

	old, err := storage.FlattenResource(entry)
	require.NoError(t, err)
	updated := newContent("a1", "alice", true, model.JSON{"title": "goodbye"})
	updated.UUID = entry.UUID
	updated.CreatedAt = entry.CreatedAt
	newFlat, err := storage.FlattenResource(updated)
	require.NoError(t, err)

	diff, err := adapter.Update(ctx, storage.UpdateInput{
		Space:    "data",
		Subpath:  "articles",
		Resource: updated,
		Old:      old,
		New:      newFlat,
		Changed:  []string{"payload.body.title"},
		Caller:   "alice",
	})
	require.NoError(t, err)
	require.Contains(t, diff, "payload.body.title")
	assert.Equal(t, "hello", diff["payload.body.title"].Old)
	assert.Equal(t, "goodbye", diff["payload.body.title"].New)

	histories, total, err := adapter.History(ctx, "data", "articles", "a1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, histories, 1)
	assert.Equal(t, "alice", histories[0].OwnerShortname)
	assert.Contains(t, histories[0].Diff, "payload.body.title")
}

func TestUpdateNoChangeSkipsHistory(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	entry := newContent("a1", "alice", true, model.JSON{"title": "same"})
	require.NoError(t, adapter.Create(ctx, "data", "articles", entry))
	flat, err := storage.FlattenResource(entry)
	require.NoError(t, err)

	diff, err := adapter.Update(ctx, storage.UpdateInput{
		Space: "data", Subpath: "articles", Resource: entry,
		Old: flat, New: flat, Caller: "alice",
	})
	require.NoError(t, err)
	assert.Empty(t, diff)

	_, total, err := adapter.History(ctx, "data", "articles", "a1", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestUpdateOptimisticConcurrency(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	entry := newContent("a1", "alice", true, model.JSON{"v": "one"})
	require.NoError(t, adapter.Create(ctx, "data", "articles", entry))

	update := func(title, expectChecksum string) error {
		old, err := storage.FlattenResource(entry)
		require.NoError(t, err)
		next := newContent("a1", "alice", true, model.JSON{"v": title})
		newFlat, err := storage.FlattenResource(next)
		require.NoError(t, err)
		_, err = adapter.Update(ctx, storage.UpdateInput{
			Space: "data", Subpath: "articles", Resource: next,
			Old: old, New: newFlat, Caller: "alice",
			LastHistoryChecksum: expectChecksum,
		})
		return err
	}

	// First update establishes a history checksum.
	require.NoError(t, update("two", ""))
	histories, _, err := adapter.History(ctx, "data", "articles", "a1", 1, 0)
	require.NoError(t, err)
	require.Len(t, histories, 1)
	checksum := storage.HistoryChecksum(&histories[0])
	require.NotEmpty(t, checksum)

	t.Run("stale expectation conflicts", func(t *testing.T) {
		err := update("three", "stale")
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.CodeConflict))
	})

	t.Run("fresh expectation succeeds", func(t *testing.T) {
		require.NoError(t, update("three", checksum))
	})
}

func TestUpdateLockAware(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	entry := newContent("a1", "alice", true, model.JSON{"title": "hello"})
	require.NoError(t, adapter.Create(ctx, "data", "articles", entry))
	key := storage.LockKey{Space: "data", Subpath: "articles", Shortname: "a1"}

	lock := &model.Lock{
		Meta:     model.Meta{Shortname: "a1", OwnerShortname: "bob", IsActive: true},
		LockTime: time.Now(),
		TTL:      time.Minute,
	}
	require.NoError(t, adapter.StoreLock(ctx, key, lock))

	buildInput := func(caller string) storage.UpdateInput {
		old, err := storage.FlattenResource(entry)
		require.NoError(t, err)
		next := newContent("a1", "alice", true, model.JSON{"title": "changed"})
		newFlat, err := storage.FlattenResource(next)
		require.NoError(t, err)
		return storage.UpdateInput{
			Space: "data", Subpath: "articles", Resource: next,
			Old: old, New: newFlat, Caller: caller,
			RetrieveLockStatus: true,
		}
	}

	t.Run("foreign lock blocks", func(t *testing.T) {
		_, err := adapter.Update(ctx, buildInput("alice"))
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.CodeLockedEntry))
	})

	t.Run("own lock releases on update", func(t *testing.T) {
		_, err := adapter.Update(ctx, buildInput("bob"))
		require.NoError(t, err)
		remaining, err := adapter.FetchLock(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, remaining)
	})

	t.Run("release leaves a history record", func(t *testing.T) {
		result, err := adapter.Query(ctx, storage.Query{
			Type: storage.QueryHistory, Space: "data", Subpath: "articles",
			Shortnames: []string{"a1"}, Limit: 10,
		}, storage.AccessFilter{Unrestricted: true})
		require.NoError(t, err)
		require.Len(t, result.Records, 2)
		// Newest first: the diff-less release record follows the update.
		release := result.Records[0]
		assert.Equal(t, "lock_release", release.Shortname)
		assert.Equal(t, "bob", release.Attributes["owner_shortname"])
		assert.Empty(t, release.Attributes["diff"])
		assert.NotEmpty(t, result.Records[1].Attributes["diff"])
	})
}

func TestQueryPolicyFiltering(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	active := newContent("a1", "alice", true, model.JSON{"title": "visible"})
	inactive := newContent("a2", "alice", false, model.JSON{"title": "draft"})
	inactive.ACL = []model.ACLEntry{{UserShortname: "carol", AllowedActions: []model.Action{model.ActionView}}}
	require.NoError(t, adapter.Create(ctx, "data", "articles", active))
	require.NoError(t, adapter.Create(ctx, "data", "articles", inactive))

	q := storage.Query{Type: storage.QuerySubpath, Space: "data", Subpath: "articles"}

	t.Run("active-only policy", func(t *testing.T) {
		result, err := adapter.Query(ctx, q, viewerFilter("data", "articles"))
		require.NoError(t, err)
		require.Len(t, result.Records, 1)
		assert.Equal(t, "a1", result.Records[0].Shortname)
	})

	t.Run("owner-scoped policy sees both states", func(t *testing.T) {
		result, err := adapter.Query(ctx, q, storage.AccessFilter{
			Caller: "alice",
			Policies: []string{
				policy.String("data", "articles", model.ResourceTypeContent, true, "alice"),
				policy.String("data", "articles", model.ResourceTypeContent, false, "alice"),
			},
		})
		require.NoError(t, err)
		assert.Len(t, result.Records, 2)
	})

	t.Run("view ACL override", func(t *testing.T) {
		result, err := adapter.Query(ctx, q, storage.AccessFilter{Caller: "carol"})
		require.NoError(t, err)
		require.Len(t, result.Records, 1)
		assert.Equal(t, "a2", result.Records[0].Shortname)
	})

	t.Run("no policies no records", func(t *testing.T) {
		result, err := adapter.Query(ctx, q, storage.AccessFilter{Caller: "stranger"})
		require.NoError(t, err)
		assert.Empty(t, result.Records)
	})

	t.Run("unrestricted", func(t *testing.T) {
		result, err := adapter.Query(ctx, q, storage.AccessFilter{Unrestricted: true})
		require.NoError(t, err)
		assert.Equal(t, int64(2), result.Total)
	})
}

func TestQueryRecordsMetrics(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	adapter.metrics = observability.NewMetrics(prometheus.NewRegistry())
	ctx := context.Background()

	require.NoError(t, adapter.Create(ctx, "data", "articles", newContent("a1", "alice", true, nil)))
	_, err := adapter.Query(ctx, storage.Query{
		Type: storage.QuerySubpath, Space: "data", Subpath: "articles",
	}, storage.AccessFilter{Unrestricted: true})
	require.NoError(t, err)

	counter := adapter.metrics.QueryTotal.WithLabelValues(adapter.Name(), string(storage.QuerySubpath))
	assert.Equal(t, float64(1), testutil.ToFloat64(counter))
}

func TestHistoryAndEventsRespectAccess(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	entry := newContent("a1", "alice", true, model.JSON{"title": "hello"})
	require.NoError(t, adapter.Create(ctx, "data", "articles", entry))
	old, err := storage.FlattenResource(entry)
	require.NoError(t, err)
	updated := newContent("a1", "alice", true, model.JSON{"title": "changed"})
	newFlat, err := storage.FlattenResource(updated)
	require.NoError(t, err)
	_, err = adapter.Update(ctx, storage.UpdateInput{
		Space: "data", Subpath: "articles", Resource: updated,
		Old: old, New: newFlat, Caller: "alice",
	})
	require.NoError(t, err)

	historyQuery := storage.Query{
		Type: storage.QueryHistory, Space: "data", Subpath: "articles",
		Shortnames: []string{"a1"}, Limit: 10,
	}
	eventsQuery := storage.Query{Type: storage.QueryEvents, Space: "data", Limit: 10}

	t.Run("viewer reads history and events", func(t *testing.T) {
		result, err := adapter.Query(ctx, historyQuery, viewerFilter("data", "articles"))
		require.NoError(t, err)
		assert.NotEmpty(t, result.Records)

		result, err = adapter.Query(ctx, eventsQuery, viewerFilter("data", "articles"))
		require.NoError(t, err)
		assert.NotEmpty(t, result.Records)
	})

	t.Run("caller without matching policies gets nothing", func(t *testing.T) {
		stranger := storage.AccessFilter{Caller: "stranger"}

		result, err := adapter.Query(ctx, historyQuery, stranger)
		require.NoError(t, err)
		assert.Empty(t, result.Records)
		assert.Zero(t, result.Total)

		result, err = adapter.Query(ctx, eventsQuery, stranger)
		require.NoError(t, err)
		assert.Empty(t, result.Records)
		assert.Zero(t, result.Total)
	})
}

func TestQueryVariants(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	for _, fixture := range []struct {
		shortname string
		tags      []string
		views     float64
	}{
		{"a1", []string{"go", "news"}, 10},
		{"a2", []string{"go"}, 4},
		{"a3", []string{"news"}, 6},
	} {
		entry := newContent(fixture.shortname, "alice", true, model.JSON{"views": fixture.views})
		entry.Tags = fixture.tags
		require.NoError(t, adapter.Create(ctx, "data", "articles", entry))
	}
	unrestricted := storage.AccessFilter{Unrestricted: true}

	t.Run("counters", func(t *testing.T) {
		result, err := adapter.Query(ctx, storage.Query{
			Type: storage.QueryCounters, Space: "data", Subpath: "articles",
		}, unrestricted)
		require.NoError(t, err)
		assert.Equal(t, int64(3), result.Total)
		assert.Empty(t, result.Records)
	})

	t.Run("tags", func(t *testing.T) {
		result, err := adapter.Query(ctx, storage.Query{
			Type: storage.QueryTags, Space: "data", Subpath: "articles",
		}, unrestricted)
		require.NoError(t, err)
		require.Len(t, result.Records, 2)
		assert.Equal(t, "go", result.Records[0].Shortname)
		assert.Equal(t, int64(2), result.Records[0].Attributes["frequency"])
	})

	t.Run("search", func(t *testing.T) {
		result, err := adapter.Query(ctx, storage.Query{
			Type: storage.QuerySearch, Space: "data", Search: "a2",
		}, unrestricted)
		require.NoError(t, err)
		require.Len(t, result.Records, 1)
		assert.Equal(t, "a2", result.Records[0].Shortname)
	})

	t.Run("aggregation", func(t *testing.T) {
		result, err := adapter.Query(ctx, storage.Query{
			Type: storage.QueryAggregation, Space: "data", Subpath: "articles",
			Aggregation: &storage.AggregationSpec{
				GroupBy: []string{"owner_shortname"},
				Reducers: []storage.Reducer{
					{Fn: storage.ReducerCount, Alias: "entries"},
					{Fn: storage.ReducerSum, Field: "payload.body.views", Alias: "total_views"},
				},
			},
		}, unrestricted)
		require.NoError(t, err)
		require.Len(t, result.Records, 1)
		assert.Equal(t, int64(3), result.Records[0].Attributes["entries"])
		assert.Equal(t, float64(20), result.Records[0].Attributes["total_views"])
	})

	t.Run("sorting and pagination", func(t *testing.T) {
		result, err := adapter.Query(ctx, storage.Query{
			Type: storage.QuerySubpath, Space: "data", Subpath: "articles",
			SortBy: "payload.body.views", SortOrder: storage.SortDescending,
			Limit: 2,
		}, unrestricted)
		require.NoError(t, err)
		assert.Equal(t, int64(3), result.Total)
		require.Len(t, result.Records, 2)
		assert.Equal(t, "a1", result.Records[0].Shortname)
		assert.Equal(t, "a3", result.Records[1].Shortname)
	})
}

func TestDelete(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.Create(ctx, "data", "articles", newContent("a1", "alice", true, nil)))
	require.NoError(t, adapter.Delete(ctx, storage.DeleteInput{
		Space: "data", Subpath: "articles", Shortname: "a1",
		ResourceType: model.ResourceTypeContent, Caller: "alice",
	}))

	_, err := adapter.Load(ctx, "data", "articles", "a1", model.ResourceTypeContent)
	assert.True(t, core.IsCode(err, core.CodeObjectNotFound))

	result, err := adapter.Query(ctx, storage.Query{
		Type: storage.QuerySubpath, Space: "data", Subpath: "articles",
	}, storage.AccessFilter{Unrestricted: true})
	require.NoError(t, err)
	assert.Empty(t, result.Records)

	t.Run("deleting missing entry fails", func(t *testing.T) {
		err := adapter.Delete(ctx, storage.DeleteInput{
			Space: "data", Subpath: "articles", Shortname: "a1",
			ResourceType: model.ResourceTypeContent,
		})
		assert.True(t, core.IsCode(err, core.CodeObjectNotFound))
	})
}

func TestMove(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	entry := newContent("a1", "alice", true, model.JSON{"title": "hello"})
	require.NoError(t, adapter.Create(ctx, "data", "articles", entry))

	require.NoError(t, adapter.Move(ctx, storage.MoveInput{
		SrcSpace: "data", SrcSubpath: "articles", SrcShortname: "a1",
		DestSpace: "data", DestSubpath: "archive", DestShortname: "a1-old",
		Resource: entry,
	}))

	_, err := adapter.Load(ctx, "data", "articles", "a1", model.ResourceTypeContent)
	assert.True(t, core.IsCode(err, core.CodeObjectNotFound))

	moved, err := adapter.Load(ctx, "data", "archive", "a1-old", model.ResourceTypeContent)
	require.NoError(t, err)
	assert.Equal(t, "a1-old", moved.Base().Shortname)

	t.Run("occupied destination", func(t *testing.T) {
		blocker := newContent("blocker", "bob", true, nil)
		require.NoError(t, adapter.Create(ctx, "data", "articles", blocker))
		err := adapter.Move(ctx, storage.MoveInput{
			SrcSpace: "data", SrcSubpath: "archive", SrcShortname: "a1-old",
			DestSpace: "data", DestSubpath: "articles", DestShortname: "blocker",
			Resource: moved,
		})
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.CodeNotAllowedLocation))
	})
}

func TestAttachments(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.Create(ctx, "data", "articles", newContent("a1", "alice", true, nil)))

	comment := &model.Comment{Meta: model.Meta{
		Shortname:      "c1",
		IsActive:       true,
		OwnerShortname: "bob",
		Payload: &model.Payload{
			ContentType: model.ContentTypeComment,
			Body:        json.RawMessage(`{"text":"nice article"}`),
		},
	}}
	require.NoError(t, adapter.SaveAttachment(ctx, "data", "articles", "a1", comment, nil))

	media := &model.Media{Meta: model.Meta{
		Shortname:      "cover",
		IsActive:       true,
		OwnerShortname: "alice",
		Payload:        &model.Payload{ContentType: model.ContentTypeImage},
	}}
	require.NoError(t, adapter.SaveAttachment(ctx, "data", "articles", "a1", media, []byte("binary-image-bytes")))

	attachments, err := adapter.Attachments(ctx, "data", "articles", "a1")
	require.NoError(t, err)
	require.Len(t, attachments[model.ResourceTypeComment], 1)
	require.Len(t, attachments[model.ResourceTypeMedia], 1)
	assert.Equal(t, "c1", attachments[model.ResourceTypeComment][0].Shortname)

	t.Run("attachment to missing parent", func(t *testing.T) {
		err := adapter.SaveAttachment(ctx, "data", "articles", "ghost", comment, nil)
		assert.True(t, core.IsCode(err, core.CodeObjectNotFound))
	})

	t.Run("delete attachment", func(t *testing.T) {
		require.NoError(t, adapter.DeleteAttachment(ctx, "data", "articles", "a1", model.ResourceTypeComment, "c1"))
		attachments, err := adapter.Attachments(ctx, "data", "articles", "a1")
		require.NoError(t, err)
		assert.Empty(t, attachments[model.ResourceTypeComment])
	})
}

func TestPayloadBlobs(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	entry := newContent("report", "alice", true, nil)
	entry.Payload = &model.Payload{ContentType: model.ContentTypePDF}
	entry.Payload.SetBlobName("report.pdf")
	require.NoError(t, adapter.Create(ctx, "data", "docs", entry))

	content := []byte("%PDF-1.7 ...")
	require.NoError(t, adapter.SavePayloadBlob(ctx, "data", "docs", "report", "report.pdf", content))

	loaded, err := adapter.LoadPayloadBlob(ctx, "data", "docs", "report", "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, content, loaded)

	_, err = adapter.LoadPayloadBlob(ctx, "data", "docs", "report", "missing.bin")
	assert.True(t, core.IsCode(err, core.CodeObjectNotFound))
}

func TestListSpaces(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	for _, name := range []string{"data", "management"} {
		sp := &model.Space{Meta: model.Meta{Shortname: name, IsActive: true, OwnerShortname: "root"}}
		require.NoError(t, adapter.Create(ctx, name, policy.RootSubpath, sp))
	}

	spaces, err := adapter.ListSpaces(ctx)
	require.NoError(t, err)
	require.Len(t, spaces, 2)

	result, err := adapter.Query(ctx, storage.Query{Type: storage.QuerySpaces},
		storage.AccessFilter{Unrestricted: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Total)
	assert.Equal(t, "data", result.Records[0].Shortname)
}

func TestReindexSpace(t *testing.T) {
	adapter, mr := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.Create(ctx, "data", "articles", newContent("a1", "alice", true, nil)))
	require.NoError(t, adapter.Create(ctx, "data", "articles", newContent("a2", "bob", true, nil)))

	// Simulate a lost index.
	mr.FlushAll()
	result, err := adapter.Query(ctx, storage.Query{
		Type: storage.QuerySubpath, Space: "data", Subpath: "articles",
	}, storage.AccessFilter{Unrestricted: true})
	require.NoError(t, err)
	assert.Empty(t, result.Records)

	require.NoError(t, adapter.ReindexSpace(ctx, "data"))
	result, err = adapter.Query(ctx, storage.Query{
		Type: storage.QuerySubpath, Space: "data", Subpath: "articles",
	}, storage.AccessFilter{Unrestricted: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Total)
}

func TestEventsQuery(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.Create(ctx, "data", "articles", newContent("a1", "alice", true, nil)))
	require.NoError(t, adapter.Delete(ctx, storage.DeleteInput{
		Space: "data", Subpath: "articles", Shortname: "a1",
		ResourceType: model.ResourceTypeContent, Caller: "alice",
	}))

	result, err := adapter.Query(ctx, storage.Query{
		Type: storage.QueryEvents, Space: "data",
	}, storage.AccessFilter{Unrestricted: true})
	require.NoError(t, err)
	require.Equal(t, int64(2), result.Total)
	// Newest first.
	assert.Equal(t, "delete", result.Records[0].Attributes["action"])
	assert.Equal(t, "save", result.Records[1].Attributes["action"])
}
