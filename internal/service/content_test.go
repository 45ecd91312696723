package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/contentops/internal/ledger"
	"github.com/raphaelgruber/contentops/internal/models"
	"github.com/raphaelgruber/contentops/internal/pipeline"
	"github.com/raphaelgruber/contentops/internal/storage"
)

func TestContentService_Add(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Add(ctx, AddRequest{
		ContentType: models.ContentTypeRepo,
		SourceURL:   "https://github.com/org/Service-X.git",
	})
	require.NoError(t, err)
	assert.Empty(t, res.RunID)
	e := res.Entry
	assert.Equal(t, "service-x", e.Name)
	assert.Equal(t, models.StatusStaged, e.Status)
	assert.Equal(t, models.DateOf(testNow), e.SourceDate)
	assert.True(t, e.UpdateDate.IsZero())
	assert.False(t, e.DirectUpload())

	_, err = f.svc.Add(ctx, AddRequest{ContentType: models.ContentTypeRepo, SourceURL: "https://github.com/org/service-x"})
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)

	direct, err := f.svc.Add(ctx, AddRequest{ContentType: models.ContentTypeSlide, Name: "q3-review", Archive: true})
	require.NoError(t, err)
	assert.True(t, direct.Entry.DirectUpload())
	assert.True(t, direct.Entry.Archive)
}

func TestContentService_AddValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  AddRequest
	}{
		{"unknown type", AddRequest{ContentType: "video", Name: "x"}},
		{"no name or url", AddRequest{ContentType: models.ContentTypeBlog}},
		{"bad scheme", AddRequest{ContentType: models.ContentTypeBlog, SourceURL: "ftp://example.com/a"}},
		{"no host", AddRequest{ContentType: models.ContentTypeBlog, SourceURL: "https:///path"}},
		{"slash in name", AddRequest{ContentType: models.ContentTypeBlog, Name: "a/b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Add(ctx, tt.req)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestContentService_AddAndProcess(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Add(context.Background(), AddRequest{
		ContentType: models.ContentTypeBlog,
		SourceURL:   "https://example.com/posts/launch",
		Process:     true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.RunID)

	r, err := f.runs.Get(res.RunID)
	require.NoError(t, err)
	snap := waitRun(t, r)
	assert.Equal(t, RunProcess, snap.Kind)

	opts := f.pipe.Opts()
	require.Len(t, opts, 1)
	assert.Equal(t, []models.Key{models.NewKey(models.ContentTypeBlog, "launch")}, opts[0].Keys)
}

func TestContentService_AddDefersWhileRunning(t *testing.T) {
	f := newFixture(t)
	f.pipe.block = make(chan struct{})
	active, err := f.runs.Start(RunIngest, RunRequest{})
	require.NoError(t, err)

	res, err := f.svc.Add(context.Background(), AddRequest{
		ContentType: models.ContentTypeBlog,
		SourceURL:   "https://example.com/posts/launch",
		Process:     true,
	})
	require.NoError(t, err)
	assert.Empty(t, res.RunID)

	close(f.pipe.block)
	waitRun(t, active)
}

func TestContentService_Update(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := models.NewKey(models.ContentTypeBlog, "post")

	e := f.put(t, models.ContentTypeBlog, "post", models.StatusFailed)
	reason := "HTTP 500"
	e.FailureReason = &reason
	e.RetryCount = 3
	require.NoError(t, f.ledger.Put(ctx, e))

	t.Run("same source keeps status", func(t *testing.T) {
		same := "https://example.com/post"
		got, err := f.svc.Update(ctx, key, UpdateRequest{SourceURL: &same})
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
	})

	t.Run("new source restages", func(t *testing.T) {
		moved := "https://example.com/blog/post"
		got, err := f.svc.Update(ctx, key, UpdateRequest{SourceURL: &moved})
		require.NoError(t, err)
		assert.Equal(t, models.StatusStaged, got.Status)
		assert.Equal(t, moved, *got.SourceURL)
		assert.Zero(t, got.RetryCount)
		assert.Nil(t, got.FailureReason)
	})

	t.Run("restage completed", func(t *testing.T) {
		f.put(t, models.ContentTypeRepo, "done", models.StatusCompleted)
		got, err := f.svc.Update(ctx, models.NewKey(models.ContentTypeRepo, "done"), UpdateRequest{Restage: true})
		require.NoError(t, err)
		assert.Equal(t, models.StatusStaged, got.Status)
	})

	t.Run("in flight rejected", func(t *testing.T) {
		f.put(t, models.ContentTypeRepo, "busy", models.StatusIngestPending)
		_, err := f.svc.Update(ctx, models.NewKey(models.ContentTypeRepo, "busy"), UpdateRequest{Restage: true})
		assert.ErrorIs(t, err, ledger.ErrInFlight)
	})

	t.Run("invalid url", func(t *testing.T) {
		bad := "mailto:someone"
		_, err := f.svc.Update(ctx, key, UpdateRequest{SourceURL: &bad})
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := f.svc.Update(ctx, models.NewKey(models.ContentTypeRepo, "ghost"), UpdateRequest{Restage: true})
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

func TestContentService_Remove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := models.NewKey(models.ContentTypeBlog, "post")
	f.put(t, models.ContentTypeBlog, "post", models.StatusCompleted)

	older := storage.ProcessedKey(key, testNow.AddDate(0, 0, -9))
	newer := storage.ProcessedKey(key, testNow)
	other := storage.ProcessedKey(models.NewKey(models.ContentTypeBlog, "post-2"), testNow)
	for _, k := range []string{storage.RawKey(key), older, newer, other} {
		require.NoError(t, f.objects.Put(ctx, k, []byte("x"), "text/markdown"))
	}
	require.NoError(t, f.chunks.ReplaceChunks(ctx, key, []models.Chunk{{Name: "post"}, {Name: "post", Position: 1}}))

	res, err := f.svc.Remove(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ObjectsDeleted)
	assert.Equal(t, 2, res.ChunksDeleted)

	left, err := f.objects.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{other}, left)
	assert.Empty(t, f.chunks.Chunks(key))

	_, err = f.svc.Status(ctx, key)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = f.svc.Remove(ctx, key)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestContentService_RemoveInFlight(t *testing.T) {
	f := newFixture(t)
	f.put(t, models.ContentTypeBlog, "post", models.StatusVectorizePending)

	_, err := f.svc.Remove(context.Background(), models.NewKey(models.ContentTypeBlog, "post"))
	assert.ErrorIs(t, err, ledger.ErrInFlight)

	got, err := f.svc.Status(context.Background(), models.NewKey(models.ContentTypeBlog, "post"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusVectorizePending, got.Status)
}

// claimOnList tries to claim the entry while Remove lists its artifacts.
type claimOnList struct {
	*storage.MemoryStore
	ledger   *ledger.Ledger
	selected *models.ContentEntry
	claimErr error
}

func (s *claimOnList) List(ctx context.Context, prefix string) ([]string, error) {
	_, s.claimErr = pipeline.Claim(ctx, s.ledger, pipeline.StageIngest, s.selected)
	return s.MemoryStore.List(ctx, prefix)
}

func TestContentService_RemoveBeforeArtifactCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.put(t, models.ContentTypeRepo, "repo-x", models.StatusCompleted)
	key := e.Key()

	objects := &claimOnList{MemoryStore: storage.NewMemoryStore(), ledger: f.ledger, selected: e}
	require.NoError(t, objects.Put(ctx, storage.RawKey(key), []byte("x"), "text/markdown"))
	svc := NewContentService(f.ledger, objects, f.chunks, f.runs, 7, discard)

	res, err := svc.Remove(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ObjectsDeleted)
	assert.ErrorIs(t, objects.claimErr, ledger.ErrNotFound, "a claim after the row is gone must not succeed")

	_, err = f.ledger.Get(ctx, key)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	left, err := objects.MemoryStore.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestContentService_Reset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := f.put(t, models.ContentTypeSlack, "eng", models.StatusFailed)
	reason := "boom"
	e.FailureReason = &reason
	e.RetryCount = 3
	require.NoError(t, f.ledger.Put(ctx, e))

	got, err := f.svc.Reset(ctx, e.Key())
	require.NoError(t, err)
	assert.Equal(t, models.StatusStaged, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.FailureReason)

	f.put(t, models.ContentTypeSlack, "ok", models.StatusCompleted)
	_, err = f.svc.Reset(ctx, models.NewKey(models.ContentTypeSlack, "ok"))
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestContentService_SetArchived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.put(t, models.ContentTypeNotebook, "nb", models.StatusIngested)

	got, err := f.svc.SetArchived(ctx, e.Key(), true)
	require.NoError(t, err)
	assert.True(t, got.Archive)
	assert.Equal(t, models.StatusIngested, got.Status)

	got, err = f.svc.SetArchived(ctx, e.Key(), false)
	require.NoError(t, err)
	assert.False(t, got.Archive)
}

func TestContentService_SetArchivedInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.put(t, models.ContentTypeRepo, "repo-x", models.StatusStaged)

	claimed, err := pipeline.Claim(ctx, f.ledger, pipeline.StageIngest, e)
	require.NoError(t, err)

	_, err = f.svc.SetArchived(ctx, e.Key(), true)
	assert.ErrorIs(t, err, ledger.ErrInFlight)

	got, err := f.svc.Status(ctx, e.Key())
	require.NoError(t, err)
	assert.False(t, got.Archive)
	assert.Equal(t, models.StatusIngestPending, got.Status)
	assert.Equal(t, claimed.ClaimID, got.ClaimID)
}

func TestContentService_ListAndSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, models.ContentTypeRepo, "b", models.StatusStaged)
	f.put(t, models.ContentTypeRepo, "a", models.StatusCompleted)
	f.put(t, models.ContentTypeBlog, "c", models.StatusFailed)
	archived := f.put(t, models.ContentTypeBlog, "d", models.StatusStaged)
	archived.Archive = true
	require.NoError(t, f.ledger.Put(ctx, archived))

	all, err := f.svc.List(ctx, ListOptions{})
	require.NoError(t, err)
	var names []string
	for _, e := range all {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"c", "d", "a", "b"}, names)

	repos, err := f.svc.List(ctx, ListOptions{ContentTypes: []models.ContentType{models.ContentTypeRepo}, Statuses: []models.Status{models.StatusStaged}})
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "b", repos[0].Name)

	active, err := f.svc.List(ctx, ListOptions{Archived: ledger.Bool(false)})
	require.NoError(t, err)
	assert.Len(t, active, 3)

	sum, err := f.svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 1, sum.Archived)
	assert.Equal(t, 2, sum.ByStatus[models.StatusStaged])
	assert.Equal(t, 2, sum.ByType[models.ContentTypeBlog])
	require.Len(t, sum.Failed, 1)
	assert.Equal(t, "c", sum.Failed[0].Name)
	assert.Equal(t, 1, sum.Stale, "completed entry without update_date is stale")
}
