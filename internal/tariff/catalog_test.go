package tariff

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func TestLoadParsesCatalogFile(t *testing.T) {
	content := []byte(`[
  {"id": "t1", "name": "VIP Main", "description": "Full access", "price": 1000, "duration_days": 30, "group_id": 555},
  {"id": "t2", "name": "VIP Lite", "description": "Lite access", "price": 500, "duration_days": 7, "group_id": 556}
]`)

	path := filepath.Join(t.TempDir(), "tariffs.json")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("failed to write catalog file: %v", err)
	}

	hookLogger, _ := logtest.NewNullLogger()
	catalog, err := Load(path, logrus.NewEntry(hookLogger))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if catalog.Len() != 2 {
		t.Fatalf("expected 2 tariffs, got %d", catalog.Len())
	}

	def, ok := catalog.Get("t1")
	if !ok {
		t.Fatalf("expected tariff t1 to exist")
	}
	if def.Name != "VIP Main" || def.GroupID != 555 || def.DurationDays != 30 {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if def.Duration() != 30*24*time.Hour {
		t.Fatalf("expected 30 day duration, got %v", def.Duration())
	}

	all := catalog.All()
	if len(all) != 2 || all[0].ID != "t1" || all[1].ID != "t2" {
		t.Fatalf("expected definitions in file order, got %+v", all)
	}
}

func TestLoadMissingFileDegradesToEmptyCatalog(t *testing.T) {
	hookLogger, hook := logtest.NewNullLogger()

	catalog, err := Load(filepath.Join(t.TempDir(), "absent.json"), logrus.NewEntry(hookLogger))
	if err != nil {
		t.Fatalf("expected missing catalog to degrade, got error: %v", err)
	}

	if catalog.Len() != 0 {
		t.Fatalf("expected empty catalog, got %d tariffs", catalog.Len())
	}

	if _, ok := catalog.Get("t1"); ok {
		t.Fatalf("expected lookups to miss on empty catalog")
	}

	last := hook.LastEntry()
	if last == nil || last.Level != logrus.WarnLevel {
		t.Fatalf("expected a warning about the missing catalog, got %v", last)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tariffs.json")
	if err := os.WriteFile(path, []byte(`{"not":"an array"`), 0o644); err != nil {
		t.Fatalf("failed to write catalog file: %v", err)
	}

	hookLogger, _ := logtest.NewNullLogger()
	if _, err := Load(path, logrus.NewEntry(hookLogger)); err == nil {
		t.Fatalf("expected error for malformed catalog")
	}
}

func TestNewCatalogValidatesDefinitions(t *testing.T) {
	cases := []struct {
		name        string
		definitions []Definition
	}{
		{
			name: "duplicate id",
			definitions: []Definition{
				{ID: "t1", DurationDays: 30},
				{ID: "t1", DurationDays: 7},
			},
		},
		{
			name:        "empty id",
			definitions: []Definition{{ID: "", DurationDays: 30}},
		},
		{
			name:        "non-positive duration",
			definitions: []Definition{{ID: "t1", DurationDays: 0}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewCatalog(tc.definitions); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestQuoteAppliesPromoDiscount(t *testing.T) {
	if got := Quote(1000, false); got != 1000 {
		t.Fatalf("expected full price without promo, got %v", got)
	}

	if got := Quote(1000, true); math.Abs(got-800) > 1e-9 {
		t.Fatalf("expected discounted price 800, got %v", got)
	}
}
