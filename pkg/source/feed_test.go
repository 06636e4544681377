package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/elonfeng/debaterank/internal/store"
	"github.com/elonfeng/debaterank/pkg/dbrouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Civic Questions</title>
  <item>
    <title>Should the voting age be lowered to 16?</title>
    <link>https://example.org/q/1</link>
    <description>Several states are considering it.</description>
    <pubDate>Sun, 09 Oct 2016 12:00:00 GMT</pubDate>
  </item>
  <item>
    <title>How will you fund infrastructure?</title>
    <link>https://example.org/q/2</link>
    <description>Bridges and roads.</description>
    <pubDate>Sun, 09 Oct 2016 11:00:00 GMT</pubDate>
  </item>
  <item>
    <title>Sponsored: buy our product</title>
    <link>https://example.org/ad</link>
    <pubDate>Sun, 09 Oct 2016 10:00:00 GMT</pubDate>
  </item>
  <item>
    <title>An old question about tariffs</title>
    <link>https://example.org/q/old</link>
    <pubDate>Mon, 01 Aug 2016 10:00:00 GMT</pubDate>
  </item>
  <item>
    <title>No link at all</title>
  </item>
</channel>
</rss>`

var fixedNow = time.Date(2016, 10, 9, 18, 0, 0, 0, time.UTC)

type memImportStore struct {
	categories []store.Category
	subs       []store.Submission
	seen       map[string]bool
	fail       error
	modes      []dbrouter.Mode
}

func (m *memImportStore) EnsureCategory(ctx context.Context, c store.Category) error {
	for _, existing := range m.categories {
		if existing.Name == c.Name {
			return nil
		}
	}
	m.categories = append(m.categories, c)
	return nil
}

func (m *memImportStore) ImportSubmission(ctx context.Context, sub *store.Submission) (bool, error) {
	if st, ok := dbrouter.FromContext(ctx); ok {
		m.modes = append(m.modes, st.Mode())
	}
	if m.fail != nil {
		return false, m.fail
	}
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	key := sub.Source + "|" + sub.Citation
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	m.subs = append(m.subs, *sub)
	return true, nil
}

func newFeedServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(testFeed))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestImporter(t *testing.T, feeds []Feed, ms *memImportStore, opts Options) *Importer {
	t.Helper()
	router, err := dbrouter.New(dbrouter.Config{Primary: "primary"})
	require.NoError(t, err)
	opts.Now = func() time.Time { return fixedNow }
	return NewImporter(feeds, NewFilter(nil, []string{"sponsored"}), ms, router, opts)
}

func TestFetchFiltersEntries(t *testing.T) {
	srv := newFeedServer(t)
	im := newTestImporter(t, nil, &memImportStore{}, Options{MaxAge: 7 * 24 * time.Hour})

	entries, err := im.Fetch(context.Background(), Feed{Name: "civic", URL: srv.URL + "/feed.xml"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "Should the voting age be lowered to 16?", entries[0].Title)
	assert.Equal(t, "https://example.org/q/1", entries[0].Link)
	assert.Equal(t, "Several states are considering it.", entries[0].Summary)
	assert.True(t, time.Date(2016, 10, 9, 12, 0, 0, 0, time.UTC).Equal(entries[0].Published))
}

func TestFetchWithoutMaxAgeKeepsOldEntries(t *testing.T) {
	srv := newFeedServer(t)
	im := newTestImporter(t, nil, &memImportStore{}, Options{})

	entries, err := im.Fetch(context.Background(), Feed{Name: "civic", URL: srv.URL + "/feed.xml"})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestImportIsIdempotent(t *testing.T) {
	srv := newFeedServer(t)
	ms := &memImportStore{}
	feed := Feed{Name: "civic", URL: srv.URL + "/feed.xml", Category: "elections"}
	im := newTestImporter(t, []Feed{feed}, ms, Options{AutoApprove: true, MaxAge: 7 * 24 * time.Hour})

	n, err := im.ImportAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = im.ImportAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Len(t, ms.subs, 2)
	sub := ms.subs[0]
	assert.Equal(t, "civic", sub.Source)
	assert.Equal(t, "elections", sub.Category)
	assert.Equal(t, "https://example.org/q/1", sub.Citation)
	assert.True(t, sub.Approved)
	assert.Equal(t, []store.Category{{Name: "elections"}}, ms.categories)

	for _, mode := range ms.modes {
		assert.Equal(t, dbrouter.ReadWrite, mode)
	}
}

func TestImportHonorsApproval(t *testing.T) {
	srv := newFeedServer(t)
	ms := &memImportStore{}
	im := newTestImporter(t, []Feed{{Name: "civic", URL: srv.URL + "/feed.xml"}}, ms, Options{})

	_, err := im.ImportAll(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, ms.subs)
	for _, s := range ms.subs {
		assert.False(t, s.Approved)
	}
	assert.Empty(t, ms.categories)
}

func TestImportAllContinuesPastBrokenFeed(t *testing.T) {
	srv := newFeedServer(t)
	ms := &memImportStore{}
	im := newTestImporter(t, []Feed{
		{Name: "broken", URL: srv.URL + "/broken"},
		{Name: "civic", URL: srv.URL + "/feed.xml"},
	}, ms, Options{MaxAge: 7 * 24 * time.Hour})

	n, err := im.ImportAll(context.Background())
	assert.ErrorContains(t, err, "feed broken status 502")
	assert.Equal(t, 2, n)
}

func TestImportStoreError(t *testing.T) {
	srv := newFeedServer(t)
	boom := errors.New("primary unavailable")
	ms := &memImportStore{fail: boom}
	im := newTestImporter(t, nil, ms, Options{})

	_, err := im.Import(context.Background(), Feed{Name: "civic", URL: srv.URL + "/feed.xml"})
	assert.ErrorIs(t, err, boom)
}
