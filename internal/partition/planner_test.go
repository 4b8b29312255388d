package partition

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/thereferee/harvester/internal/config"
	"github.com/thereferee/harvester/internal/llmoracle"
	"github.com/thereferee/harvester/internal/model"
	"github.com/thereferee/harvester/internal/store"
)

func newTestPlanner(ctx context.Context, t *testing.T, oracle llmoracle.Oracle) (*Planner, *model.Edition) {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := &store.Connection{DB: testDB.Connection}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	seeds := store.NewSeedPaperStore(conn)
	editions := store.NewEditionStore(conn)
	partitionStore := store.NewPartitionStore(conn)

	seed := &model.SeedPaper{CanonicalTitle: "A Title", ExternalID: "seed1"}
	require.NoError(t, seeds.Create(ctx, seed))

	edition := &model.Edition{SeedPaperID: seed.ID, ExternalID: "e1", Title: "A Title", ReportedCount: 1500, Selected: true}
	require.NoError(t, editions.Create(ctx, edition))

	return New(partitionStore, oracle, logger), edition
}

// TestPlanner_SuccessfulExclusionAndDirectInclusion exercises scenario 2 from
// the end-to-end test catalog: an oracle that reduces the count below target
// in one batch, followed by an inclusion set small enough to harvest
// directly without recursion.
func TestPlanner_SuccessfulExclusionAndDirectInclusion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	oracle := llmoracle.NewStaticOracle([]string{"cultural", "analysis", "social"})

	planner, edition := newTestPlanner(ctx, t, oracle)

	counts := map[string]int{"cultural": 1300, "cultural,analysis": 1050, "cultural,analysis,social": 900}

	hooks := Hooks{
		ProbeExclusion: func(_ context.Context, excluded []string) (string, int, error) {
			key := joinTerms(excluded)
			if c, ok := counts[key]; ok {
				return key, c, nil
			}

			return key, 1600, nil
		},
		CountExclusion: func(_ context.Context, terms []string) (string, int, error) {
			return joinTerms(terms), 900, nil
		},
		HarvestExclusion: func(_ context.Context, terms []string, capAt int) (string, int, error) {
			return joinTerms(terms), 900, nil
		},
		CountInclusion: func(_ context.Context, terms []string) (string, int, error) {
			return "inclusion:" + joinTerms(terms), 700, nil
		},
		HarvestInclusion: func(_ context.Context, terms []string, capAt int) (string, int, error) {
			return "inclusion:" + joinTerms(terms), 700, nil
		},
	}

	outcome, err := planner.Run(ctx, Input{
		EditionID:    edition.ID,
		Title:        "A Title",
		Year:         2020,
		InitialCount: 1600,
	}, hooks)

	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, []string{"cultural", "analysis", "social"}, outcome.ExclusionTerms)
	assert.Equal(t, 900, outcome.ExclusionHarvested)
	assert.Equal(t, 700, outcome.InclusionHarvested)
	assert.Equal(t, model.PartitionRunCompleted, outcome.Run.Status)
	assert.Equal(t, 3, outcome.Run.TermsKept)
}

// TestPlanner_ReverifySlipAboveCapFails covers the redesigned reverify
// policy: a verified count that slips back above 1000 fails the run instead
// of harvesting an uncapped subset.
func TestPlanner_ReverifySlipAboveCapFails(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	oracle := llmoracle.NewStaticOracle([]string{"foo"})
	planner, edition := newTestPlanner(ctx, t, oracle)

	hooks := Hooks{
		ProbeExclusion: func(_ context.Context, excluded []string) (string, int, error) {
			return joinTerms(excluded), 900, nil
		},
		CountExclusion: func(_ context.Context, terms []string) (string, int, error) {
			return joinTerms(terms), 1200, nil
		},
	}

	outcome, err := planner.Run(ctx, Input{
		EditionID:    edition.ID,
		Title:        "A Title",
		Year:         2020,
		InitialCount: 1600,
	}, hooks)

	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, model.PartitionRunFailed, outcome.Run.Status)
	assert.Equal(t, "reverify", outcome.Run.ErrorStage)
}

// TestPlanner_OracleExhaustionFailsRun covers the bailout when the oracle
// never offers a term that drops the count below target.
func TestPlanner_OracleExhaustionFailsRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	oracle := llmoracle.NewStaticOracle([]string{"noop"})
	planner, edition := newTestPlanner(ctx, t, oracle)

	hooks := Hooks{
		ProbeExclusion: func(_ context.Context, excluded []string) (string, int, error) {
			return joinTerms(excluded), 1600, nil // never reduces
		},
	}

	outcome, err := planner.Run(ctx, Input{
		EditionID:    edition.ID,
		Title:        "A Title",
		Year:         2020,
		InitialCount: 1600,
	}, hooks)

	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, model.PartitionRunFailed, outcome.Run.Status)
}

func joinTerms(terms []string) string {
	out := ""

	for i, term := range terms {
		if i > 0 {
			out += ","
		}

		out += term
	}

	return out
}
