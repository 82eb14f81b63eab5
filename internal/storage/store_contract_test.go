package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archsearch/internal/model"
)

func currentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func testGenome(id string, fitness float64) model.Genome {
	return model.Genome{
		VersionedRecord: currentVersion(),
		ID:              id,
		Conv: [model.ConvLayerCount]model.ConvLayerGene{
			{Units: 32, KernelSize: 3, Stride: 1, Padding: model.PaddingSame, Dropout: 0.1},
			{Units: 64, KernelSize: 4, Stride: 2, Padding: model.PaddingValid, Dropout: 0.3},
		},
		Dense: [model.DenseLayerCount]model.DenseLayerGene{
			{Units: 128, Dropout: 0.5},
			{Units: 32, Dropout: 0.2},
		},
		Optimizer:     model.OptimizerRMSProp,
		Epochs:        11,
		Fitness:       fitness,
		Recombination: model.RecombinationFieldUniform,
	}
}

// runStoreContract exercises every Store operation against a fresh,
// initialized backend.
func runStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("genome", func(t *testing.T) {
		genome := testGenome("g1", 0.61)
		require.NoError(t, store.SaveGenome(ctx, genome))
		got, ok, err := store.GetGenome(ctx, "g1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, genome, got)

		_, ok, err = store.GetGenome(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("population", func(t *testing.T) {
		population := model.Population{
			VersionedRecord: currentVersion(),
			ID:              "run-1:gen-3",
			RunID:           "run-1",
			Generation:      3,
			Genomes:         []model.Genome{testGenome("a", 0.4), testGenome("b", 0.2)},
		}
		require.NoError(t, store.SavePopulation(ctx, population))
		got, ok, err := store.GetPopulation(ctx, population.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, population, got)
	})

	t.Run("runs", func(t *testing.T) {
		older := model.RunRecord{VersionedRecord: currentVersion(), ID: "run-a", CreatedAtUTC: "2026-01-02T10:00:00Z", BestFitness: 0.5}
		newer := model.RunRecord{VersionedRecord: currentVersion(), ID: "run-b", CreatedAtUTC: "2026-03-04T10:00:00Z", Termination: "threshold"}
		require.NoError(t, store.SaveRun(ctx, older))
		require.NoError(t, store.SaveRun(ctx, newer))

		got, ok, err := store.GetRun(ctx, "run-a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, older, got)

		runs, err := store.ListRuns(ctx)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "run-b", runs[0].ID)
		assert.Equal(t, "run-a", runs[1].ID)
	})

	t.Run("artifacts", func(t *testing.T) {
		history := []float64{0.1, 0.25, 0.3}
		require.NoError(t, store.SaveFitnessHistory(ctx, "run-1", history))
		gotHistory, ok, err := store.GetFitnessHistory(ctx, "run-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, history, gotHistory)

		diagnostics := []model.GenerationDiagnostics{{Generation: 1, BestFitness: 0.3, MeanFitness: 0.2, Failures: 1, FingerprintDiversity: 4}}
		require.NoError(t, store.SaveGenerationDiagnostics(ctx, "run-1", diagnostics))
		gotDiagnostics, ok, err := store.GetGenerationDiagnostics(ctx, "run-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, diagnostics, gotDiagnostics)

		top := []model.TopGenomeRecord{{Rank: 1, Fitness: 0.7, Genome: testGenome("best", 0.7)}}
		require.NoError(t, store.SaveTopGenomes(ctx, "run-1", top))
		gotTop, ok, err := store.GetTopGenomes(ctx, "run-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, top, gotTop)

		lineage := []model.LineageRecord{
			{VersionedRecord: currentVersion(), GenomeID: "g1", Generation: 0, Operation: "seed", Fingerprint: "abc"},
			{VersionedRecord: currentVersion(), GenomeID: "g2", ParentIDs: []string{"g1", "g0"}, Generation: 2, Operation: "layer_swap+mutate"},
		}
		require.NoError(t, store.SaveLineage(ctx, "run-1", lineage))
		gotLineage, ok, err := store.GetLineage(ctx, "run-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, lineage, gotLineage)

		_, ok, err = store.GetLineage(ctx, "run-unknown")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMemoryStoreContract(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Init(context.Background()))
	runStoreContract(t, store)
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	store := NewMemoryStore()
	err := store.SaveRun(context.Background(), model.RunRecord{ID: "r"})
	require.ErrorIs(t, err, errNotInitialized)
}

func TestMemoryStoreCopiesSlices(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Init(ctx))

	history := []float64{0.1, 0.2}
	require.NoError(t, store.SaveFitnessHistory(ctx, "run", history))
	history[0] = 9
	got, _, err := store.GetFitnessHistory(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, 0.1, got[0])
}

func TestBadgerStoreContract(t *testing.T) {
	store := NewBadgerStore("")
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	runStoreContract(t, store)
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := NewBadgerStore(dir)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.SaveFitnessHistory(ctx, "run-1", []float64{0.2, 0.4}))
	require.NoError(t, store.Close())

	reopened := NewBadgerStore(dir)
	require.NoError(t, reopened.Init(ctx))
	t.Cleanup(func() { _ = reopened.Close() })
	history, ok, err := reopened.GetFitnessHistory(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float64{0.2, 0.4}, history)
}

func TestBadgerStoreRequiresInit(t *testing.T) {
	_, _, err := NewBadgerStore("").GetRun(context.Background(), "r")
	require.ErrorIs(t, err, errNotInitialized)
}
