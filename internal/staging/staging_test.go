package staging

import (
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-derivatives/internal/asset"
	"github.com/tendant/simple-derivatives/internal/config"
)

func TestNewBasename(t *testing.T) {
	name, err := NewBasename(asset.RoleProject, "p-42", 0, 1700000000123)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^project_p-42_1700000000123_[0-9a-f]{8}$`), name)

	name, err = NewBasename(asset.RoleProjectCarousel, "p-42", 3, 1700000000123)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^carousel_p-42_1700000000123_3_[0-9a-f]{8}$`), name)
}

func TestNewBasenameRejectsBadOwner(t *testing.T) {
	for _, owner := range []string{"", "../etc", "a/b", "a_b", "x y"} {
		_, err := NewBasename(asset.RoleArticle, owner, 0, 1)
		assert.ErrorIs(t, err, ErrInvalidOwner, owner)
	}

	_, err := NewBasename(asset.Role("BANNER"), "p1", 0, 1)
	assert.Error(t, err)
}

func TestNewBasenameUniqueWithinSameMillisecond(t *testing.T) {
	const n = 200
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, n)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, err := NewBasename(asset.RoleProject, "owner1", 0, 42)
			assert.NoError(t, err)
			mu.Lock()
			seen[name] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestLayout(t *testing.T) {
	cfg := config.Default()
	cfg.UploadDir = "/srv/uploads"
	area := New(cfg)

	p := area.Layout("project_o1_1_abcd1234", true)
	assert.Equal(t, "/srv/uploads/project_o1_1_abcd1234.upload", p.Staged)
	assert.Equal(t, "/srv/uploads/project_o1_1_abcd1234.webp", p.Optimized)
	assert.Equal(t, "/srv/uploads/project_o1_1_abcd1234_thumb.webp", p.Thumbnail)
	assert.Equal(t, "/srv/uploads/project_o1_1_abcd1234.original", p.Original)

	cfg.OutputFormat = "jpeg"
	p = New(cfg).Layout("profile_o1_1_abcd1234", false)
	assert.Equal(t, "/srv/uploads/profile_o1_1_abcd1234.jpg", p.Optimized)
	assert.Empty(t, p.Thumbnail)
}

func TestStagedPath(t *testing.T) {
	p := New(config.Default()).Layout("article_o1_1_abcd1234", true)
	assert.Equal(t, p.Staged, StagedPath(p.Original))
	assert.Empty(t, StagedPath(""))
	assert.Empty(t, StagedPath("/srv/uploads/article_o1_1_abcd1234.webp"))
}

func TestStage(t *testing.T) {
	cfg := config.Default()
	cfg.UploadDir = filepath.Join(t.TempDir(), "uploads")
	area := New(cfg)

	p := area.Layout("project_o1_1_abcd1234", true)
	require.NoError(t, area.Stage([]byte("payload"), p))

	got, err := os.ReadFile(p.Staged)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	// A second stage onto the same name must not clobber the first.
	assert.Error(t, area.Stage([]byte("other"), p))
	got, _ = os.ReadFile(p.Staged)
	assert.Equal(t, "payload", string(got))
}

func TestURL(t *testing.T) {
	cfg := config.Default()
	cfg.PublicBasePath = "/uploads/"
	area := New(cfg)

	assert.Equal(t, "/uploads/a.webp", area.URL("/srv/data/a.webp"))
	assert.Empty(t, area.URL(""))

	cfg.PublicBasePath = "https://cdn.example.com/img"
	assert.Equal(t, "https://cdn.example.com/img/a_thumb.webp", New(cfg).URL("a_thumb.webp"))
}
