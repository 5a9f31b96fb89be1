package share

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/noisersup/dedupfs-api/cache/memory"
	l "github.com/noisersup/dedupfs-api/logger"
	dbmemory "github.com/noisersup/dedupfs-api/database/memory"
	"github.com/noisersup/dedupfs-api/metrics"
	"github.com/noisersup/dedupfs-api/models"
	"github.com/noisersup/dedupfs-api/tree"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fixture struct {
	kv      *memory.Cache
	now     time.Time
	tree    *tree.Store
	share   *Manager
	metrics *metrics.Metrics

	root, docs, report, photo uuid.UUID
}

// newFixture builds root/docs/report.pdf and root/photo.jpg.
func newFixture(t *testing.T) *fixture {
	ctx := context.Background()
	f := &fixture{now: time.Now()}
	f.kv = memory.New().WithClock(func() time.Time { return f.now })
	f.tree = tree.New(dbmemory.New())
	f.metrics = metrics.New(nil)
	f.share = New(f.kv, f.tree, f.metrics, bcrypt.MinCost)

	root, err := f.tree.EnsureRoot(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)
	f.root = root.ID

	mk := func(name string, kind models.Kind, parent uuid.UUID) uuid.UUID {
		n := &models.FileNode{Name: name, Kind: kind, Parent: parent}
		require.NoError(t, f.tree.Create(ctx, n))
		return n.ID
	}
	f.docs = mk("docs", models.KindFolder, f.root)
	f.report = mk("report.pdf", models.KindFile, f.docs)
	f.photo = mk("photo.jpg", models.KindFile, f.root)
	return f
}

func str(s string) *string { return &s }

func Test_IssueValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.share.Issue(ctx, f.photo, 0, 1, nil)
	assert.ErrorIs(t, err, models.ErrBadRequest)

	_, err = f.share.Issue(ctx, f.photo, time.Minute, 0, nil)
	assert.ErrorIs(t, err, models.ErrBadRequest)

	_, err = f.share.Issue(ctx, f.photo, time.Minute, -2, nil)
	assert.ErrorIs(t, err, models.ErrBadRequest)

	_, err = f.share.Issue(ctx, f.photo, time.Minute, 1, str(strings.Repeat("p", 73)))
	assert.ErrorIs(t, err, models.ErrBadRequest)

	_, err = f.share.Issue(ctx, uuid.New(), time.Minute, 1, nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func Test_ResolveUnknownAndExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.share.Resolve(ctx, ResolveRequest{Token: "nope"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	token, err := f.share.Issue(ctx, f.photo, time.Minute, models.UnlimitedDownloads, nil)
	require.NoError(t, err)

	_, err = f.share.Resolve(ctx, ResolveRequest{Token: token + ":limit"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	f.now = f.now.Add(time.Minute)
	_, err = f.share.Resolve(ctx, ResolveRequest{Token: token})
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.ShareResolutions.WithLabelValues(outcomeNotFound)))
}

func Test_ResolvePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.share.Issue(ctx, f.photo, time.Minute, models.UnlimitedDownloads, str("secret"))
	require.NoError(t, err)

	for _, pw := range []*string{nil, str(""), str("Secret"), str("secret ")} {
		_, err := f.share.Resolve(ctx, ResolveRequest{Token: token, Password: pw})
		assert.ErrorIs(t, err, models.ErrBadRequest)
	}

	res, err := f.share.Resolve(ctx, ResolveRequest{Token: token, Password: str("secret")})
	require.NoError(t, err)
	assert.Equal(t, f.photo, res.Node.ID)

	link, err := f.share.Link(ctx, token)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("secret"), link.PasswordHash)
}

func Test_ResolveWithoutPasswordAcceptsAnything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.share.Issue(ctx, f.photo, time.Minute, models.UnlimitedDownloads, str(""))
	require.NoError(t, err)

	for _, pw := range []*string{nil, str(""), str("whatever")} {
		_, err := f.share.Resolve(ctx, ResolveRequest{Token: token, Password: pw})
		assert.NoError(t, err)
	}
}

func Test_DownloadLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.share.Issue(ctx, f.photo, time.Hour, 2, nil)
	require.NoError(t, err)

	// metadata lookups are free
	for i := 0; i < 5; i++ {
		_, err := f.share.Resolve(ctx, ResolveRequest{Token: token, MetadataOnly: true})
		require.NoError(t, err)
	}

	res, err := f.share.Resolve(ctx, ResolveRequest{Token: token})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Link.RemainingDownloads)

	_, err = f.share.Resolve(ctx, ResolveRequest{Token: token})
	require.NoError(t, err)

	_, err = f.share.Resolve(ctx, ResolveRequest{Token: token})
	assert.ErrorIs(t, err, models.ErrBadRequest)

	// exhausted links refuse metadata too
	_, err = f.share.Resolve(ctx, ResolveRequest{Token: token, MetadataOnly: true})
	assert.ErrorIs(t, err, models.ErrBadRequest)
}

func Test_DownloadLimitConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.share.Issue(ctx, f.photo, time.Hour, 2, nil)
	require.NoError(t, err)

	var ok, refused int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.share.Resolve(ctx, ResolveRequest{Token: token})
			if err == nil {
				atomic.AddInt64(&ok, 1)
			} else if assert.ErrorIs(t, err, models.ErrBadRequest) {
				atomic.AddInt64(&refused, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(2), ok)
	assert.Equal(t, int64(18), refused)
}

func Test_ResolveSubPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.share.Issue(ctx, f.root, time.Hour, models.UnlimitedDownloads, nil)
	require.NoError(t, err)

	res, err := f.share.Resolve(ctx, ResolveRequest{Token: token, SubPath: "docs/report.pdf"})
	require.NoError(t, err)
	assert.Equal(t, f.report, res.Node.ID)

	res, err = f.share.Resolve(ctx, ResolveRequest{Token: token, SubPath: f.docs.String() + "/" + f.report.String()})
	require.NoError(t, err)
	assert.Equal(t, f.report, res.Node.ID)

	_, err = f.share.Resolve(ctx, ResolveRequest{Token: token, SubPath: "docs/photo.jpg"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	// folders can only be listed
	_, err = f.share.Resolve(ctx, ResolveRequest{Token: token, SubPath: "docs"})
	assert.ErrorIs(t, err, models.ErrBadRequest)

	res, err = f.share.Resolve(ctx, ResolveRequest{Token: token, SubPath: "docs", MetadataOnly: true})
	require.NoError(t, err)
	assert.Equal(t, f.docs, res.Node.ID)
}

func Test_SubPathCannotEscapeTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.share.Issue(ctx, f.docs, time.Hour, models.UnlimitedDownloads, nil)
	require.NoError(t, err)

	_, err = f.share.Resolve(ctx, ResolveRequest{Token: token, SubPath: f.photo.String()})
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.share.Resolve(ctx, ResolveRequest{Token: token, SubPath: ".."})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func Test_Revoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.share.Issue(ctx, f.photo, time.Hour, 5, str("pw"))
	require.NoError(t, err)
	require.NoError(t, f.share.Revoke(ctx, token))

	_, err = f.share.Resolve(ctx, ResolveRequest{Token: token, Password: str("pw")})
	assert.ErrorIs(t, err, models.ErrNotFound)

	for _, k := range []string{"share:" + token, "share:" + token + ":limit", "share:" + token + ":password"} {
		ok, err := f.kv.Exists(ctx, k)
		assert.NoError(t, err)
		assert.False(t, ok, k)
	}
}

func Test_PasswordOutlivedByToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// every cache write happens one second after the previous one
	start := f.now
	f.kv.WithClock(func() time.Time {
		now := f.now
		f.now = f.now.Add(time.Second)
		return now
	})
	token, err := f.share.Issue(ctx, f.photo, time.Minute, 5, str("secret"))
	require.NoError(t, err)

	// the password key is gone, limit and token are still alive
	f.now = start.Add(time.Minute + 500*time.Millisecond)
	f.kv.WithClock(func() time.Time { return f.now })

	for _, pw := range []*string{nil, str(""), str("secret")} {
		_, err := f.share.Resolve(ctx, ResolveRequest{Token: token, Password: pw})
		assert.ErrorIs(t, err, models.ErrNotFound)
	}

	limit, err := f.kv.Get(ctx, "share:"+token+":limit")
	require.NoError(t, err)
	assert.Equal(t, "5", string(limit))
}

func Test_TokensStayInTheirNamespace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	defects := l.Defects()

	staged := uuid.NewString()
	require.NoError(t, f.kv.Set(ctx, "staging:"+staged, []byte(`{"id":"`+staged+`"}`), time.Hour))
	session := uuid.NewString()
	require.NoError(t, f.kv.Set(ctx, "session:"+session, []byte(`{"id":"`+session+`"}`), time.Hour))
	require.NoError(t, f.kv.Set(ctx, session, []byte(f.photo.String()), time.Hour))

	for _, token := range []string{"staging:" + staged, "session:" + session, session, strings.ToUpper(session), "{" + session + "}"} {
		_, err := f.share.Resolve(ctx, ResolveRequest{Token: token, MetadataOnly: true})
		assert.ErrorIs(t, err, models.ErrNotFound, token)
		_, err = f.share.Link(ctx, token)
		assert.ErrorIs(t, err, models.ErrNotFound, token)
	}
	assert.Equal(t, defects, l.Defects())
}
