package cases

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/casewatch/constants"
	"github.com/joseph-ayodele/casewatch/internal/bus"
	"github.com/joseph-ayodele/casewatch/internal/common"
	"github.com/joseph-ayodele/casewatch/internal/entity"
	"github.com/joseph-ayodele/casewatch/internal/repository"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*Store, *bus.Bus[Event]) {
	t.Helper()
	events := bus.New[Event]("cases", 32, quietLogger())
	return NewStore(repository.NewMemoryCaseRepository(), events, quietLogger()), events
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func photo(name string) entity.Photo {
	return entity.Photo{URL: "https://photos.example.com/" + name, Filename: name}
}

func createAnalyzed(t *testing.T, s *Store) *entity.Case {
	t.Helper()
	ctx := context.Background()
	_, err := s.Create(ctx, photo("a.jpg"), nil, "case-1", nil)
	require.NoError(t, err)
	_, err = s.AddPhoto(ctx, "case-1", photo("b.jpg"))
	require.NoError(t, err)
	c, err := s.Update(ctx, "case-1", func(c *entity.Case) {
		c.Analysis = &entity.ExtractionResult{
			ViolationType: "blocked bike lane",
			Details:       map[string]string{"en": "car in lane"},
			Vehicle:       entity.VehicleInfo{LicensePlateNumber: "ABC123", LicensePlateState: "IL", Make: "Honda"},
			Images: map[string]entity.ImageAnalysis{
				"a.jpg": {RepresentationScore: 0.9, Violation: boolPtr(true)},
				"b.jpg": {RepresentationScore: 0.4},
			},
		}
		c.AnalysisStatus = constants.AnalysisComplete
	})
	require.NoError(t, err)
	return c
}

func TestCreate(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	taken := time.Date(2025, 5, 1, 8, 30, 0, 0, time.FixedZone("CDT", -5*3600))

	c, err := s.Create(ctx, entity.Photo{URL: "https://x/y/IMG_001.jpg?sig=1"}, &entity.GPS{Lat: 41.9, Lon: -87.6}, "", &taken)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, constants.AnalysisPending, c.AnalysisStatus)
	require.Len(t, c.Photos, 1)
	assert.Equal(t, "IMG_001.jpg", c.Photos[0].Filename)
	assert.Equal(t, &entity.GPS{Lat: 41.9, Lon: -87.6}, c.Photos[0].GPS)
	assert.True(t, c.Photos[0].TakenAt.Equal(taken))

	_, err = s.Create(ctx, photo("z.jpg"), nil, c.ID, nil)
	assert.ErrorIs(t, err, common.ErrConflict)

	_, err = s.Create(ctx, entity.Photo{}, nil, "", nil)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestMissingCase(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = s.Update(ctx, "nope", func(*entity.Case) {})
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = s.SetVinOverride(ctx, "nope", strPtr("x"))
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "nope"), common.ErrNotFound)
}

func TestVehicleOverrideMergesPerField(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	createAnalyzed(t, s)

	merged, err := s.SetOverrides(ctx, "case-1", &entity.AnalysisOverride{
		Vehicle: &entity.VehicleOverride{LicensePlateNumber: strPtr("XYZ999")},
	})
	require.NoError(t, err)
	want := entity.VehicleInfo{LicensePlateNumber: "XYZ999", LicensePlateState: "IL", Make: "Honda"}
	if diff := cmp.Diff(want, merged.Analysis.Vehicle); diff != "" {
		t.Errorf("vehicle mismatch (-want +got):\n%s", diff)
	}

	got, err := s.Get(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, want, got.Analysis.Vehicle)

	raw, err := s.GetRaw(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, "ABC123", raw.Analysis.Vehicle.LicensePlateNumber, "raw record untouched")
}

func TestTopLevelOverridesReplace(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	createAnalyzed(t, s)

	merged, err := s.SetOverrides(ctx, "case-1", &entity.AnalysisOverride{
		ViolationType: strPtr("parked on sidewalk"),
		Details:       map[string]string{"es": "en la acera"},
	})
	require.NoError(t, err)
	assert.Equal(t, "parked on sidewalk", merged.Analysis.ViolationType)
	assert.Equal(t, map[string]string{"es": "en la acera"}, merged.Analysis.Details)
	assert.Len(t, merged.Analysis.Images, 2, "images not overridden")

	cleared, err := s.SetOverrides(ctx, "case-1", nil)
	require.NoError(t, err)
	assert.Nil(t, cleared.AnalysisOverrides)
	assert.Equal(t, "blocked bike lane", cleared.Analysis.ViolationType)
}

func TestOverridesWithoutRawAnalysis(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, photo("a.jpg"), nil, "c", nil)
	require.NoError(t, err)

	merged, err := s.SetOverrides(ctx, "c", &entity.AnalysisOverride{ViolationType: strPtr("hydrant")})
	require.NoError(t, err)
	require.NotNil(t, merged.Analysis)
	assert.Equal(t, "hydrant", merged.Analysis.ViolationType)

	raw, err := s.GetRaw(ctx, "c")
	require.NoError(t, err)
	assert.Nil(t, raw.Analysis)
}

func TestVinOverride(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	createAnalyzed(t, s)

	_, err := s.Update(ctx, "case-1", func(c *entity.Case) { c.VIN = strPtr("2FTRX18W1XCA12345") })
	require.NoError(t, err)

	got, err := s.SetVinOverride(ctx, "case-1", strPtr("1HGCM82633A004352"))
	require.NoError(t, err)
	assert.Equal(t, "1HGCM82633A004352", *got.VIN)

	_, err = s.Update(ctx, "case-1", func(c *entity.Case) { c.VIN = strPtr("3VWFE21C04M000001") })
	require.NoError(t, err)
	got, err = s.Get(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, "1HGCM82633A004352", *got.VIN, "override wins over any derived value")

	got, err = s.SetVinOverride(ctx, "case-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "3VWFE21C04M000001", *got.VIN)
	assert.Nil(t, got.VINOverride)
}

func TestRemovePhoto(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	createAnalyzed(t, s)
	_, err := s.SetOverrides(ctx, "case-1", &entity.AnalysisOverride{
		Images: map[string]entity.ImageAnalysis{"b.jpg": {RepresentationScore: 1}, "a.jpg": {RepresentationScore: 0.2}},
	})
	require.NoError(t, err)
	_, err = s.Update(ctx, "case-1", func(c *entity.Case) {
		k := constants.FailureSchema
		c.AnalysisError = &k
	})
	require.NoError(t, err)

	got, err := s.RemovePhoto(ctx, "case-1", "b.jpg")
	require.NoError(t, err)
	assert.Equal(t, constants.AnalysisPending, got.AnalysisStatus)
	assert.Nil(t, got.AnalysisError)
	require.Len(t, got.Photos, 1)
	assert.Equal(t, "a.jpg", got.Photos[0].Filename)
	assert.NotContains(t, got.Analysis.Images, "b.jpg")

	raw, err := s.GetRaw(ctx, "case-1")
	require.NoError(t, err)
	assert.NotContains(t, raw.Analysis.Images, "b.jpg")
	assert.Contains(t, raw.Analysis.Images, "a.jpg")
	assert.NotContains(t, raw.AnalysisOverrides.Images, "b.jpg")

	_, err = s.RemovePhoto(ctx, "case-1", "b.jpg")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestRemovePhotoCompactsOverrides(t *testing.T) {
	t.Parallel()

	backends := map[string]func(t *testing.T) repository.CaseRepository{
		"memory": func(*testing.T) repository.CaseRepository { return repository.NewMemoryCaseRepository() },
		"sqlite": func(t *testing.T) repository.CaseRepository {
			logger := quietLogger()
			dsn := "file:" + filepath.Join(t.TempDir(), "cases.db") + "?_pragma=busy_timeout(5000)"
			db, err := repository.Open(context.Background(), repository.Config{Driver: repository.DriverSQLite, DSN: dsn, DialTimeout: 5 * time.Second}, logger)
			require.NoError(t, err)
			t.Cleanup(func() { db.Close(logger) })
			require.NoError(t, db.MigrateUp(logger))
			return repository.NewCaseRepository(db, logger)
		},
	}
	for name, newRepo := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := NewStore(newRepo(t), bus.New[Event]("cases", 32, quietLogger()), quietLogger())
			createAnalyzed(t, s)
			_, err := s.SetOverrides(ctx, "case-1", &entity.AnalysisOverride{
				Images: map[string]entity.ImageAnalysis{"b.jpg": {RepresentationScore: 0.1}},
			})
			require.NoError(t, err)

			got, err := s.RemovePhoto(ctx, "case-1", "b.jpg")
			require.NoError(t, err)
			assert.Nil(t, got.AnalysisOverrides)
			require.Contains(t, got.Analysis.Images, "a.jpg")
			assert.Len(t, got.Analysis.Images, 1)

			got, err = s.Get(ctx, "case-1")
			require.NoError(t, err)
			assert.Nil(t, got.AnalysisOverrides)
			require.Contains(t, got.Analysis.Images, "a.jpg")
			assert.Len(t, got.Analysis.Images, 1)
		})
	}
}

func TestSetOverridesCompactsEmptyParts(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	createAnalyzed(t, s)

	got, err := s.SetOverrides(ctx, "case-1", &entity.AnalysisOverride{
		Images:  map[string]entity.ImageAnalysis{},
		Details: map[string]string{},
		Vehicle: &entity.VehicleOverride{},
	})
	require.NoError(t, err)
	assert.Nil(t, got.AnalysisOverrides)
	assert.Len(t, got.Analysis.Images, 2)
	assert.Equal(t, "car in lane", got.Analysis.Details["en"])

	got, err = s.SetOverrides(ctx, "case-1", &entity.AnalysisOverride{
		ViolationType: strPtr("double parked"),
		Images:        map[string]entity.ImageAnalysis{},
	})
	require.NoError(t, err)
	require.NotNil(t, got.AnalysisOverrides)
	assert.Nil(t, got.AnalysisOverrides.Images)
	assert.Equal(t, "double parked", got.Analysis.ViolationType)
	assert.Len(t, got.Analysis.Images, 2)
}

func TestAddPhotoRejectsDuplicateFilename(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, photo("a.jpg"), nil, "c", nil)
	require.NoError(t, err)

	_, err = s.AddPhoto(ctx, "c", photo("a.jpg"))
	assert.ErrorIs(t, err, common.ErrConflict)
}

func TestMutationsPublishMergedView(t *testing.T) {
	t.Parallel()
	s, events := newTestStore(t)
	ctx := context.Background()

	id, ch := events.Subscribe()
	defer events.Unsubscribe(id)
	goneID, gone := events.Subscribe()
	events.Unsubscribe(goneID)

	_, err := s.Create(ctx, photo("a.jpg"), nil, "c", nil)
	require.NoError(t, err)
	ev := <-ch
	assert.Equal(t, EventUpdated, ev.Type)
	assert.Equal(t, "c", ev.ID)

	_, err = s.SetOverrides(ctx, "c", &entity.AnalysisOverride{ViolationType: strPtr("hydrant")})
	require.NoError(t, err)
	ev = <-ch
	require.NotNil(t, ev.Case.Analysis)
	assert.Equal(t, "hydrant", ev.Case.Analysis.ViolationType)

	_, err = s.SetVinOverride(ctx, "c", strPtr("1hgcm82633a004352"))
	require.NoError(t, err)
	ev = <-ch
	assert.Equal(t, "1HGCM82633A004352", *ev.Case.VIN)

	require.NoError(t, s.Delete(ctx, "c"))
	ev = <-ch
	assert.Equal(t, Event{Type: EventDeleted, ID: "c"}, ev)

	_, ok := <-gone
	assert.False(t, ok, "unsubscribed listener receives nothing")
}

func TestApplyOverridesNil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, ApplyOverrides(nil))
	raw := &entity.Case{ID: "x", AnalysisOverrides: &entity.AnalysisOverride{}}
	got := ApplyOverrides(raw)
	assert.Nil(t, got.Analysis, "empty override adds nothing")
}
