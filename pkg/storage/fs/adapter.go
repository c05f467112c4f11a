package fs

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spacetrove/trove/pkg/core"
	"github.com/spacetrove/trove/pkg/model"
	"github.com/spacetrove/trove/pkg/observability"
	"github.com/spacetrove/trove/pkg/policy"
	"github.com/spacetrove/trove/pkg/storage"
)

// Options configures the filesystem backend.
type Options struct {
	SpacesRoot    string
	RedisURL      string
	RedisPassword string
	RedisDB       int
	Logger        *observability.Logger
	Metrics       *observability.Metrics
}

// Adapter stores entries as JSON files under per-space trees and mirrors
// them into a Redis inverted index for querying.
type Adapter struct {
	layout  layout
	index   *Index
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// New creates the filesystem backend. Both the spaces root and the Redis
// index must be reachable; failures here abort startup.
func New(opts Options) (*Adapter, error) {
	if err := os.MkdirAll(opts.SpacesRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spaces root: %w", err)
	}
	index, err := NewIndex(IndexOptions{
		URL:      opts.RedisURL,
		Password: opts.RedisPassword,
		DB:       opts.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Adapter{
		layout:  layout{root: opts.SpacesRoot},
		index:   index,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     time.Now,
	}, nil
}

func (a *Adapter) Name() string { return "fs" }

func (a *Adapter) Load(ctx context.Context, space, subpath, shortname string, rt model.ResourceType) (model.Resource, error) {
	start := a.now()
	res, err := a.load(space, subpath, shortname, rt)
	a.metrics.ObserveStorage(a.Name(), "load", start, err)
	return res, err
}

func (a *Adapter) load(space, subpath, shortname string, rt model.ResourceType) (model.Resource, error) {
	data, err := os.ReadFile(a.layout.metaPath(space, subpath, shortname, rt))
	if os.IsNotExist(err) {
		return nil, core.NotFound(space, subpath, shortname)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read entry metadata: %w", err)
	}
	res, err := model.Decode(rt, data)
	if err != nil {
		return nil, err
	}
	if res.Base().Shortname == "" {
		res.Base().Shortname = shortname
	}
	return res, nil
}

func (a *Adapter) LoadOrNil(ctx context.Context, space, subpath, shortname string, rt model.ResourceType) (model.Resource, error) {
	res, err := a.Load(ctx, space, subpath, shortname, rt)
	if core.IsCode(err, core.CodeObjectNotFound) {
		return nil, nil
	}
	return res, err
}

func (a *Adapter) Save(ctx context.Context, space, subpath string, res model.Resource) error {
	start := a.now()
	err := a.save(ctx, space, subpath, res)
	a.metrics.ObserveStorage(a.Name(), "save", start, err)
	return err
}

func (a *Adapter) save(ctx context.Context, space, subpath string, res model.Resource) error {
	meta := res.Base()
	meta.Stamp(a.now())

	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := writeFileAtomic(a.layout.metaPath(space, subpath, meta.Shortname, res.Type()), data); err != nil {
		return err
	}
	if err := a.indexEntry(ctx, space, subpath, res); err != nil {
		return err
	}
	a.appendEvent(space, subpath, meta.Shortname, res.Type(), "save", meta.OwnerShortname)
	return nil
}

func (a *Adapter) indexEntry(ctx context.Context, space, subpath string, res model.Resource) error {
	rec, err := model.ToRecord(res, policy.Normalize(subpath))
	if err != nil {
		return err
	}
	return a.index.Put(ctx, space, subpath, Document{
		Record:   rec,
		Policies: storage.EntryPolicies(space, subpath, res),
		ViewACL:  res.Base().ViewACL(),
	})
}

func (a *Adapter) Create(ctx context.Context, space, subpath string, res model.Resource) error {
	shortname := res.Base().Shortname
	if res.Type() == model.ResourceTypeSpace {
		if _, err := os.Stat(a.layout.metaPath(space, "/", shortname, model.ResourceTypeSpace)); err == nil {
			return core.NewError(core.CodeShortnameExists, "space %s already exists", shortname)
		}
	} else if occupied := a.layout.entryTypeOf(space, subpath, shortname); occupied != "" {
		return core.NewError(core.CodeShortnameExists,
			"shortname %s already exists under %s/%s", shortname, space, subpath)
	}
	return a.Save(ctx, space, subpath, res)
}

func (a *Adapter) Update(ctx context.Context, in storage.UpdateInput) (map[string]model.HistoryDelta, error) {
	start := a.now()
	diff, err := a.update(ctx, in)
	a.metrics.ObserveStorage(a.Name(), "update", start, err)
	return diff, err
}

func (a *Adapter) update(ctx context.Context, in storage.UpdateInput) (map[string]model.HistoryDelta, error) {
	meta := in.Resource.Base()
	key := storage.LockKey{Space: in.Space, Subpath: in.Subpath, Shortname: meta.Shortname}

	ownLock := false
	if in.RetrieveLockStatus {
		lock, err := a.FetchLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if lock != nil && !lock.Expired(a.now()) {
			if lock.OwnerShortname != in.Caller {
				return nil, core.NewError(core.CodeLockedEntry,
					"entry %s/%s/%s is locked by %s", in.Space, in.Subpath, meta.Shortname, lock.OwnerShortname)
			}
			ownLock = true
		}
	}

	if in.LastHistoryChecksum != "" {
		if err := a.verifyHistoryChecksum(in); err != nil {
			return nil, err
		}
	}

	diff := storage.Diff(in.Old, in.New, in.Changed)
	if len(diff) == 0 {
		return diff, nil
	}

	if err := a.save(ctx, in.Space, in.Subpath, in.Resource); err != nil {
		return nil, err
	}

	history := storage.NewHistory(in.Caller, diff, storage.StateChecksum(in.New), in.RequestHeaders, a.now())
	line, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("failed to encode history record: %w", err)
	}
	if err := appendLine(a.layout.historyPath(in.Space, in.Subpath, meta.Shortname, in.Resource.Type()), line); err != nil {
		return nil, err
	}

	if ownLock {
		if err := a.DeleteLock(ctx, key); err != nil {
			a.logger.WithError(err).WithEntry(in.Space, in.Subpath, meta.Shortname).
				Warn("failed to release lock after update")
		} else {
			release := storage.NewLockReleaseHistory(in.Caller, storage.StateChecksum(in.New), a.now())
			if line, err := json.Marshal(release); err == nil {
				if err := appendLine(a.layout.historyPath(in.Space, in.Subpath, meta.Shortname, in.Resource.Type()), line); err != nil {
					a.logger.WithError(err).WithEntry(in.Space, in.Subpath, meta.Shortname).
						Warn("failed to record lock release")
				}
			}
		}
	}
	return diff, nil
}

func (a *Adapter) verifyHistoryChecksum(in storage.UpdateInput) error {
	meta := in.Resource.Base()
	histories, _, err := a.History(context.Background(), in.Space, in.Subpath, meta.Shortname, 1, 0)
	if err != nil {
		return err
	}
	var latest string
	if len(histories) > 0 {
		latest = storage.HistoryChecksum(&histories[0])
	}
	if latest != in.LastHistoryChecksum {
		return core.NewError(core.CodeConflict,
			"entry %s/%s/%s changed since the caller last read it", in.Space, in.Subpath, meta.Shortname)
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, in storage.DeleteInput) error {
	start := a.now()
	err := a.delete(ctx, in)
	a.metrics.ObserveStorage(a.Name(), "delete", start, err)
	return err
}

func (a *Adapter) delete(ctx context.Context, in storage.DeleteInput) error {
	res, err := a.load(in.Space, in.Subpath, in.Shortname, in.ResourceType)
	if err != nil {
		return err
	}

	key := storage.LockKey{Space: in.Space, Subpath: in.Subpath, Shortname: in.Shortname}
	if in.RetrieveLockStatus {
		lock, err := a.FetchLock(ctx, key)
		if err != nil {
			return err
		}
		if lock != nil && !lock.Expired(a.now()) && lock.OwnerShortname != in.Caller {
			return core.NewError(core.CodeLockedEntry,
				"entry %s/%s/%s is locked by %s", in.Space, in.Subpath, in.Shortname, lock.OwnerShortname)
		}
	}

	if name := res.Base().Payload.BlobName(); name != "" {
		os.Remove(a.layout.blobPath(in.Space, in.Subpath, name))
	}

	switch in.ResourceType {
	case model.ResourceTypeSpace:
		if err := os.RemoveAll(a.layout.spaceDir(in.Space)); err != nil {
			return fmt.Errorf("failed to remove space: %w", err)
		}
		return a.index.FlushSpace(ctx, in.Space)
	case model.ResourceTypeFolder:
		folderDir := filepath.Join(a.layout.spaceDir(in.Space), fsSub(in.Subpath), in.Shortname)
		if err := os.RemoveAll(folderDir); err != nil {
			return fmt.Errorf("failed to remove folder: %w", err)
		}
		// The folder's descendants were indexed individually.
		if err := a.ReindexSpace(ctx, in.Space); err != nil {
			return err
		}
	default:
		dmDir := a.layout.dmDir(in.Space, in.Subpath, in.Shortname, in.ResourceType)
		if err := os.RemoveAll(dmDir); err != nil {
			return fmt.Errorf("failed to remove entry: %w", err)
		}
		pruneEmptyDirs(filepath.Dir(dmDir), a.layout.spaceDir(in.Space))
		if err := a.index.Remove(ctx, in.Space, in.Subpath, in.ResourceType, in.Shortname); err != nil {
			return err
		}
	}
	a.DeleteLock(ctx, key)
	a.appendEvent(in.Space, in.Subpath, in.Shortname, in.ResourceType, "delete", in.Caller)
	return nil
}

func (a *Adapter) Move(ctx context.Context, in storage.MoveInput) error {
	start := a.now()
	err := a.move(ctx, in)
	a.metrics.ObserveStorage(a.Name(), "move", start, err)
	return err
}

func (a *Adapter) move(ctx context.Context, in storage.MoveInput) error {
	rt := in.Resource.Type()
	if occupied := a.layout.entryTypeOf(in.DestSpace, in.DestSubpath, in.DestShortname); occupied != "" {
		return core.NewError(core.CodeNotAllowedLocation,
			"destination %s/%s/%s is occupied", in.DestSpace, in.DestSubpath, in.DestShortname)
	}
	if _, err := os.Stat(a.layout.metaPath(in.SrcSpace, in.SrcSubpath, in.SrcShortname, rt)); os.IsNotExist(err) {
		return core.NotFound(in.SrcSpace, in.SrcSubpath, in.SrcShortname)
	}

	srcDir := a.layout.dmDir(in.SrcSpace, in.SrcSubpath, in.SrcShortname, rt)
	destDir := a.layout.dmDir(in.DestSpace, in.DestSubpath, in.DestShortname, rt)
	if rt == model.ResourceTypeFolder {
		srcDir = filepath.Join(a.layout.spaceDir(in.SrcSpace), fsSub(in.SrcSubpath), in.SrcShortname)
		destDir = filepath.Join(a.layout.spaceDir(in.DestSpace), fsSub(in.DestSubpath), in.DestShortname)
	}
	if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	if err := os.Rename(srcDir, destDir); err != nil {
		return fmt.Errorf("failed to relocate entry: %w", err)
	}
	pruneEmptyDirs(filepath.Dir(srcDir), a.layout.spaceDir(in.SrcSpace))

	if name := in.Resource.Base().Payload.BlobName(); name != "" {
		src := a.layout.blobPath(in.SrcSpace, in.SrcSubpath, name)
		dest := a.layout.blobPath(in.DestSpace, in.DestSubpath, name)
		if err := os.Rename(src, dest); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to relocate payload blob: %w", err)
		}
	}

	in.Resource.Base().Shortname = in.DestShortname
	if err := a.save(ctx, in.DestSpace, in.DestSubpath, in.Resource); err != nil {
		return err
	}
	if err := a.index.Remove(ctx, in.SrcSpace, in.SrcSubpath, rt, in.SrcShortname); err != nil {
		return err
	}
	if rt == model.ResourceTypeFolder {
		if err := a.ReindexSpace(ctx, in.SrcSpace); err != nil {
			return err
		}
		if in.DestSpace != in.SrcSpace {
			if err := a.ReindexSpace(ctx, in.DestSpace); err != nil {
				return err
			}
		}
	}
	a.appendEvent(in.DestSpace, in.DestSubpath, in.DestShortname, rt, "move", in.Resource.Base().OwnerShortname)
	return nil
}

func (a *Adapter) Query(ctx context.Context, q storage.Query, access storage.AccessFilter) (storage.QueryResult, error) {
	start := a.now()
	result, err := a.query(ctx, q, access)
	a.metrics.ObserveStorage(a.Name(), "query", start, err)
	a.metrics.ObserveQuery(a.Name(), string(q.Type), start)
	return result, err
}

func (a *Adapter) query(ctx context.Context, q storage.Query, access storage.AccessFilter) (storage.QueryResult, error) {
	q.Normalize()
	switch q.Type {
	case storage.QuerySubpath, storage.QuerySearch, storage.QueryCounters,
		storage.QueryRandom, storage.QueryTags, storage.QueryAggregation:
		return a.queryDocs(ctx, q, access)
	case storage.QuerySpaces:
		return a.querySpaces(ctx, access)
	case storage.QueryHistory:
		return a.queryHistory(ctx, q, access)
	case storage.QueryEvents:
		return a.queryEvents(ctx, q, access)
	default:
		return storage.QueryResult{}, core.NewError(core.CodeInvalidData, "unknown query type %q", q.Type)
	}
}

func (a *Adapter) queryDocs(ctx context.Context, q storage.Query, access storage.AccessFilter) (storage.QueryResult, error) {
	var docs []Document
	var err error
	if q.Type == storage.QuerySearch {
		docs, err = a.index.DocsBySpace(ctx, q.Space)
	} else {
		docs, err = a.index.DocsBySubpath(ctx, q.Space, q.Subpath)
	}
	if err != nil {
		return storage.QueryResult{}, err
	}

	records := make([]model.Record, 0, len(docs))
	for _, doc := range docs {
		if !matchesFilters(doc.Record, q) {
			continue
		}
		if !access.Matches(doc.Policies, doc.ViewACL) {
			continue
		}
		if q.Type == storage.QuerySearch && !storage.SearchMatch(doc.Record, q.Search) {
			continue
		}
		records = append(records, doc.Record)
	}

	switch q.Type {
	case storage.QueryCounters:
		return storage.QueryResult{Total: int64(len(records))}, nil
	case storage.QueryTags:
		buckets := storage.CountTags(records)
		tagRecords := make([]model.Record, 0, len(buckets))
		for _, b := range buckets {
			tagRecords = append(tagRecords, model.Record{
				ResourceType: model.ResourceTypeJSON,
				Shortname:    b.Tag,
				Subpath:      q.Subpath,
				Attributes:   model.JSON{"tag": b.Tag, "frequency": b.Count},
			})
		}
		return storage.QueryResult{Total: int64(len(tagRecords)), Records: tagRecords}, nil
	case storage.QueryAggregation:
		grouped := storage.Aggregate(records, q.Aggregation)
		return storage.QueryResult{Total: int64(len(grouped)), Records: grouped}, nil
	case storage.QueryRandom:
		rand.Shuffle(len(records), func(i, j int) { records[i], records[j] = records[j], records[i] })
		if len(records) > q.Limit {
			records = records[:q.Limit]
		}
		return storage.QueryResult{Total: int64(len(records)), Records: records}, nil
	}

	total := int64(len(records))
	storage.SortRecords(records, q.SortBy, q.SortOrder)
	return storage.QueryResult{Total: total, Records: storage.Paginate(records, q.Offset, q.Limit)}, nil
}

func matchesFilters(rec model.Record, q storage.Query) bool {
	if len(q.ResourceTypes) > 0 && !containsType(q.ResourceTypes, rec.ResourceType) {
		return false
	}
	if len(q.Shortnames) > 0 && !containsStr(q.Shortnames, rec.Shortname) {
		return false
	}
	if len(q.Tags) > 0 {
		tags, _ := rec.Attributes["tags"].([]interface{})
		for _, want := range q.Tags {
			found := false
			for _, have := range tags {
				if s, ok := have.(string); ok && s == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func (a *Adapter) querySpaces(ctx context.Context, access storage.AccessFilter) (storage.QueryResult, error) {
	spaces, err := a.ListSpaces(ctx)
	if err != nil {
		return storage.QueryResult{}, err
	}
	records := make([]model.Record, 0, len(spaces))
	for _, sp := range spaces {
		policies := storage.EntryPolicies(sp.Shortname, policy.RootSubpath, sp)
		if !access.Matches(policies, sp.ViewACL()) {
			continue
		}
		rec, err := model.ToRecord(sp, policy.RootSubpath)
		if err != nil {
			return storage.QueryResult{}, err
		}
		records = append(records, rec)
	}
	storage.SortRecords(records, "shortname", storage.SortAscending)
	return storage.QueryResult{Total: int64(len(records)), Records: records}, nil
}

// entryVisible reports whether the caller's filter matches the indexed
// entry the history or event rows belong to. Missing entries stay hidden
// from restricted callers.
func (a *Adapter) entryVisible(ctx context.Context, access storage.AccessFilter, space, subpath, shortname string) (bool, error) {
	if access.Unrestricted {
		return true, nil
	}
	docs, err := a.index.DocsBySubpath(ctx, space, subpath)
	if err != nil {
		return false, err
	}
	for _, doc := range docs {
		if doc.Record.Shortname == shortname {
			return access.Matches(doc.Policies, doc.ViewACL), nil
		}
	}
	return false, nil
}

func (a *Adapter) queryHistory(ctx context.Context, q storage.Query, access storage.AccessFilter) (storage.QueryResult, error) {
	if len(q.Shortnames) == 0 {
		return storage.QueryResult{}, core.NewError(core.CodeMissingData, "history query requires shortnames")
	}
	var records []model.Record
	var total int64
	for _, shortname := range q.Shortnames {
		visible, err := a.entryVisible(ctx, access, q.Space, q.Subpath, shortname)
		if err != nil {
			return storage.QueryResult{}, err
		}
		if !visible {
			continue
		}
		histories, count, err := a.History(ctx, q.Space, q.Subpath, shortname, q.Limit, q.Offset)
		if err != nil {
			return storage.QueryResult{}, err
		}
		total += count
		for i := range histories {
			rec, err := model.ToRecord(&histories[i], policy.Normalize(q.Subpath))
			if err != nil {
				return storage.QueryResult{}, err
			}
			records = append(records, rec)
		}
	}
	return storage.QueryResult{Total: total, Records: records}, nil
}

func (a *Adapter) queryEvents(ctx context.Context, q storage.Query, access storage.AccessFilter) (storage.QueryResult, error) {
	lines, err := readLines(a.layout.eventsPath(q.Space))
	if err != nil {
		return storage.QueryResult{}, err
	}
	// Visibility is decided per event against the entry it describes, so
	// pagination happens after filtering. Newest first.
	visibility := make(map[string]bool)
	var records []model.Record
	for i := len(lines) - 1; i >= 0; i-- {
		attrs := model.JSON{}
		if err := json.Unmarshal(lines[i], &attrs); err != nil {
			continue
		}
		subpath, _ := attrs["subpath"].(string)
		shortname, _ := attrs["shortname"].(string)
		entryKey := subpath + "/" + shortname
		visible, known := visibility[entryKey]
		if !known {
			visible, err = a.entryVisible(ctx, access, q.Space, subpath, shortname)
			if err != nil {
				return storage.QueryResult{}, err
			}
			visibility[entryKey] = visible
		}
		if !visible {
			continue
		}
		records = append(records, model.Record{
			ResourceType: model.ResourceTypeLog,
			Shortname:    fmt.Sprintf("event-%d", i),
			Subpath:      policy.RootSubpath,
			Attributes:   attrs,
		})
	}
	total := int64(len(records))
	return storage.QueryResult{Total: total, Records: storage.Paginate(records, q.Offset, q.Limit)}, nil
}

func (a *Adapter) SaveAttachment(ctx context.Context, space, parentSubpath, parentShortname string, att model.Resource, content []byte) error {
	parentType := a.layout.entryTypeOf(space, parentSubpath, parentShortname)
	if parentType == "" {
		return core.NotFound(space, parentSubpath, parentShortname)
	}
	meta := att.Base()
	meta.Stamp(a.now())

	dir := a.layout.attachmentsDir(space, parentSubpath, parentShortname, parentType, att.Type())
	if len(content) > 0 {
		if meta.Payload == nil {
			meta.Payload = &model.Payload{ContentType: model.ContentTypeJSON}
		}
		if !meta.Payload.VerifyClientChecksum(content) {
			return core.NewError(core.CodeInvalidData,
				"client checksum does not match attachment content")
		}
		meta.Payload.Checksum = model.ChecksumOf(content)
		if !meta.Payload.ContentType.Inline() {
			name := meta.Payload.BlobName()
			if name == "" {
				name = meta.Shortname
				meta.Payload.SetBlobName(name)
			}
			if err := writeFileAtomic(filepath.Join(dir, name), content); err != nil {
				return err
			}
		}
	}
	data, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("failed to marshal attachment: %w", err)
	}
	return writeFileAtomic(a.layout.attachmentMetaPath(dir, meta.Shortname), data)
}

func (a *Adapter) DeleteAttachment(ctx context.Context, space, parentSubpath, parentShortname string, rt model.ResourceType, shortname string) error {
	parentType := a.layout.entryTypeOf(space, parentSubpath, parentShortname)
	if parentType == "" {
		return core.NotFound(space, parentSubpath, parentShortname)
	}
	dir := a.layout.attachmentsDir(space, parentSubpath, parentShortname, parentType, rt)
	metaPath := a.layout.attachmentMetaPath(dir, shortname)

	data, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return core.NotFound(space, parentSubpath, shortname)
	} else if err != nil {
		return fmt.Errorf("failed to read attachment metadata: %w", err)
	}
	if att, decodeErr := model.Decode(rt, data); decodeErr == nil {
		if name := att.Base().Payload.BlobName(); name != "" {
			os.Remove(filepath.Join(dir, name))
		}
	}
	if err := os.Remove(metaPath); err != nil {
		return fmt.Errorf("failed to remove attachment: %w", err)
	}
	pruneEmptyDirs(dir, a.layout.spaceDir(space))
	return nil
}

func (a *Adapter) Attachments(ctx context.Context, space, subpath, shortname string) (map[model.ResourceType][]model.Record, error) {
	parentType := a.layout.entryTypeOf(space, subpath, shortname)
	if parentType == "" {
		return nil, core.NotFound(space, subpath, shortname)
	}
	dmDir := a.layout.dmDir(space, subpath, shortname, parentType)
	entries, err := os.ReadDir(dmDir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}

	result := make(map[model.ResourceType][]model.Record)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "attachments.") {
			continue
		}
		rt := model.ResourceType(strings.TrimPrefix(entry.Name(), "attachments."))
		metas, err := filepath.Glob(filepath.Join(dmDir, entry.Name(), "meta.*.json"))
		if err != nil {
			return nil, err
		}
		for _, metaPath := range metas {
			data, err := os.ReadFile(metaPath)
			if err != nil {
				continue
			}
			att, err := model.Decode(rt, data)
			if err != nil {
				continue
			}
			rec, err := model.ToRecord(att, policy.Normalize(subpath))
			if err != nil {
				continue
			}
			result[rt] = append(result[rt], rec)
		}
	}
	return result, nil
}

func (a *Adapter) SavePayloadBlob(ctx context.Context, space, subpath, shortname, name string, content []byte) error {
	if a.layout.entryTypeOf(space, subpath, shortname) == "" {
		return core.NotFound(space, subpath, shortname)
	}
	return writeFileAtomic(a.layout.blobPath(space, subpath, name), content)
}

func (a *Adapter) LoadPayloadBlob(ctx context.Context, space, subpath, shortname, name string) ([]byte, error) {
	data, err := os.ReadFile(a.layout.blobPath(space, subpath, name))
	if os.IsNotExist(err) {
		return nil, core.NotFound(space, subpath, name)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read payload blob: %w", err)
	}
	return data, nil
}

func (a *Adapter) History(ctx context.Context, space, subpath, shortname string, limit, offset int) ([]model.History, int64, error) {
	rt := a.layout.entryTypeOf(space, subpath, shortname)
	if rt == "" {
		return nil, 0, core.NotFound(space, subpath, shortname)
	}
	lines, err := readLines(a.layout.historyPath(space, subpath, shortname, rt))
	if err != nil {
		return nil, 0, err
	}
	total := int64(len(lines))

	var histories []model.History
	for i := len(lines) - 1; i >= 0; i-- {
		var h model.History
		if err := json.Unmarshal(lines[i], &h); err != nil {
			continue
		}
		histories = append(histories, h)
	}
	if offset >= len(histories) {
		return nil, total, nil
	}
	histories = histories[offset:]
	if limit > 0 && len(histories) > limit {
		histories = histories[:limit]
	}
	return histories, total, nil
}

func (a *Adapter) ListSpaces(ctx context.Context) ([]*model.Space, error) {
	entries, err := os.ReadDir(a.layout.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read spaces root: %w", err)
	}
	var spaces []*model.Space
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		res, err := a.LoadOrNil(ctx, entry.Name(), policy.RootSubpath, entry.Name(), model.ResourceTypeSpace)
		if err != nil {
			return nil, err
		}
		if sp, ok := res.(*model.Space); ok {
			spaces = append(spaces, sp)
		}
	}
	return spaces, nil
}

func (a *Adapter) FetchLock(ctx context.Context, key storage.LockKey) (*model.Lock, error) {
	return a.index.LockGet(ctx, key.Space, key.Subpath, key.Shortname)
}

func (a *Adapter) StoreLock(ctx context.Context, key storage.LockKey, lock *model.Lock) error {
	return a.index.LockSet(ctx, key.Space, key.Subpath, key.Shortname, lock)
}

func (a *Adapter) DeleteLock(ctx context.Context, key storage.LockKey) error {
	return a.index.LockDel(ctx, key.Space, key.Subpath, key.Shortname)
}

func (a *Adapter) Health(ctx context.Context) error {
	if _, err := os.Stat(a.layout.root); err != nil {
		return fmt.Errorf("spaces root unavailable: %w", err)
	}
	return a.index.Ping(ctx)
}

func (a *Adapter) Close() error {
	return a.index.Close()
}

// ReindexSpace rebuilds a space's index from the on-disk tree.
func (a *Adapter) ReindexSpace(ctx context.Context, space string) error {
	if err := a.index.FlushSpace(ctx, space); err != nil {
		return err
	}
	root := a.layout.spaceDir(space)
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), "meta.") || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		subpath, shortname, rt, ok := a.coordinatesOf(space, path)
		if !ok {
			return nil
		}
		res, loadErr := a.load(space, subpath, shortname, rt)
		if loadErr != nil {
			a.logger.WithError(loadErr).WithEntry(space, subpath, shortname).Warn("skipping unreadable entry during reindex")
			return nil
		}
		return a.indexEntry(ctx, space, subpath, res)
	})
}

// coordinatesOf reverses the layout: given a meta file path, recover the
// entry's subpath, shortname and type. Attachment metadata is skipped.
func (a *Adapter) coordinatesOf(space, metaPath string) (subpath, shortname string, rt model.ResourceType, ok bool) {
	rel, err := filepath.Rel(a.layout.spaceDir(space), metaPath)
	if err != nil {
		return "", "", "", false
	}
	segments := strings.Split(filepath.ToSlash(rel), "/")
	name := segments[len(segments)-1]
	rt = model.ResourceType(strings.TrimSuffix(strings.TrimPrefix(name, "meta."), ".json"))
	dirs := segments[:len(segments)-1]

	for _, d := range dirs {
		if strings.HasPrefix(d, "attachments.") {
			return "", "", "", false
		}
	}

	switch {
	case rt == model.ResourceTypeSpace:
		// {space}/.dm/meta.space.json
		return policy.RootSubpath, space, rt, len(dirs) == 1 && dirs[0] == ".dm"
	case rt == model.ResourceTypeFolder:
		// {subpath...}/{shortname}/.dm/meta.folder.json
		if len(dirs) < 2 || dirs[len(dirs)-1] != ".dm" {
			return "", "", "", false
		}
		shortname = dirs[len(dirs)-2]
		subpath = policy.Normalize(strings.Join(dirs[:len(dirs)-2], "/"))
		return subpath, shortname, rt, true
	default:
		// {subpath...}/.dm/{shortname}/meta.{rt}.json
		if len(dirs) < 2 || dirs[len(dirs)-2] != ".dm" {
			return "", "", "", false
		}
		shortname = dirs[len(dirs)-1]
		subpath = policy.Normalize(strings.Join(dirs[:len(dirs)-2], "/"))
		return subpath, shortname, rt, true
	}
}

func (a *Adapter) appendEvent(space, subpath, shortname string, rt model.ResourceType, action, actor string) {
	event := model.JSON{
		"timestamp":     a.now().UTC().Format(time.RFC3339Nano),
		"action":        action,
		"space_name":    space,
		"subpath":       policy.Normalize(subpath),
		"shortname":     shortname,
		"resource_type": rt,
		"actor":         actor,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := appendLine(a.layout.eventsPath(space), line); err != nil {
		a.logger.WithError(err).WithField("space", space).Warn("failed to append event record")
	}
}

func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", path, err)
	}
	return lines, nil
}

func containsType(list []model.ResourceType, rt model.ResourceType) bool {
	for _, t := range list {
		if t == rt {
			return true
		}
	}
	return false
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
