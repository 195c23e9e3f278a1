package generation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerdneilsfield/telegram-avatar-bot/internal/models"
	"go.uber.org/zap"
)

func TestDownloadAllDropsFailedURLs(t *testing.T) {
	srv := newImageServer(t)
	d := NewDownloader(t.TempDir(), 4, 3, 5*time.Second, 0, zap.NewNop())
	urls := []string{srv.URL + "/img/1.webp", srv.URL + "/missing/2.webp", srv.URL + "/img/3.png"}

	paths := d.DownloadAll(context.Background(), urls)
	if len(paths) != 2 {
		t.Fatalf("paths = %v, want 2", paths)
	}
	if filepath.Ext(paths[0]) != ".webp" || filepath.Ext(paths[1]) != ".png" {
		t.Errorf("paths out of order or wrong extension: %v", paths)
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil || len(data) == 0 {
			t.Errorf("read %s: %v", p, err)
		}
	}
}

func TestDownloadRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("png"))
	}))
	defer srv.Close()

	d := NewDownloader(t.TempDir(), 1, 3, time.Second, 0, zap.NewNop())
	paths := d.DownloadAll(context.Background(), []string{srv.URL + "/out"})
	if len(paths) != 1 || hits.Load() != 3 {
		t.Errorf("paths = %v after %d attempts", paths, hits.Load())
	}
}

func TestOutputExt(t *testing.T) {
	cases := []struct{ url, ct, want string }{
		{"https://x/a.webp", "", ".webp"},
		{"https://x/a.JPG?sig=1", "", ".jpg"},
		{"https://x/out", "video/mp4", ".mp4"},
		{"https://x/out", "image/jpeg; charset=binary", ".jpg"},
		{"https://x/out", "", ".png"},
	}
	for _, tc := range cases {
		if got := outputExt(tc.url, tc.ct); got != tc.want {
			t.Errorf("outputExt(%q, %q) = %q, want %q", tc.url, tc.ct, got, tc.want)
		}
	}
}

func TestRemoveFiles(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x.png")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	RemoveFiles(zap.NewNop(), p, "", filepath.Join(t.TempDir(), "gone.png"))
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Errorf("file still exists: %v", err)
	}
}

func TestDeliverSingleAndGroup(t *testing.T) {
	m := &fakeMessenger{}
	mat := NewMaterializer(m, fakeTexts{}, zap.NewNop())

	err := mat.Deliver(context.Background(), Delivery{Recipient: 1, TargetUserID: 1, GenerationType: models.TypeWithAvatar, Paths: []string{"a"}})
	if err != nil {
		t.Fatal(err)
	}
	if photos := m.byKind("photo"); len(photos) != 1 || photos[0].markup.Kind != MarkupRating {
		t.Errorf("single delivery = %+v", photos)
	}

	err = mat.Deliver(context.Background(), Delivery{Recipient: 1, TargetUserID: 1, GenerationType: models.TypeWithAvatar, Paths: []string{"a", "b", "c"}})
	if err != nil {
		t.Fatal(err)
	}
	groups := m.byKind("group")
	if len(groups) != 1 || !strings.HasPrefix(groups[0].text, "result_group_caption") {
		t.Errorf("group delivery = %+v", groups)
	}
	sent := m.Sent()
	last := sent[len(sent)-1]
	if last.kind != "text" || last.markup.Kind != MarkupRating {
		t.Errorf("rating prompt should follow the group, got %+v", last)
	}
}

func TestDeliverAdminOnBehalfGroup(t *testing.T) {
	m := &fakeMessenger{}
	mat := NewMaterializer(m, fakeTexts{}, zap.NewNop())
	err := mat.Deliver(context.Background(), Delivery{
		Recipient:      100,
		TargetUserID:   200,
		AdminOnBehalf:  true,
		GenerationType: models.TypeWithAvatar,
		Paths:          []string{"a", "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	groups := m.byKind("group")
	if len(groups) != 2 || groups[0].chatID != 200 || groups[1].chatID != 100 {
		t.Fatalf("groups = %+v", groups)
	}
	if strings.Contains(groups[0].text, "200") {
		t.Errorf("user copy should be unlabeled: %q", groups[0].text)
	}
	if !strings.HasPrefix(groups[1].text, "result_admin_caption") {
		t.Errorf("admin copy should be labeled: %q", groups[1].text)
	}
	var adminActions int
	for _, msg := range m.byKind("text") {
		if msg.chatID == 100 && msg.markup.Kind == MarkupAdminActions && msg.markup.TargetUserID == 200 {
			adminActions++
		}
	}
	if adminActions != 1 {
		t.Errorf("admin action keyboard sent %d times", adminActions)
	}
}

func TestDeliverNothing(t *testing.T) {
	mat := NewMaterializer(&fakeMessenger{}, fakeTexts{}, zap.NewNop())
	if err := mat.Deliver(context.Background(), Delivery{Recipient: 1}); err != ErrDownloadFailed {
		t.Errorf("err = %v", err)
	}
}
