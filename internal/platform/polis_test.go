package platform

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"archsearch/internal/evo"
	"archsearch/internal/fitness"
	"archsearch/internal/model"
	"archsearch/internal/searchspace"
	"archsearch/internal/storage"
)

type testSupportModule struct {
	name   string
	serves atomic.Int32
}

func (m *testSupportModule) Name() string { return m.name }

func (m *testSupportModule) Serve(ctx context.Context) error {
	m.serves.Add(1)
	<-ctx.Done()
	return nil
}

func testMonitorConfig() evo.MonitorConfig {
	return evo.MonitorConfig{
		Space:     searchspace.DefaultSpace(),
		Evaluator: fitness.UnitsSum{},
		Environment: evo.Environment{
			Dataset:  model.DefaultDataset(),
			Training: model.DefaultTraining(),
		},
		PopulationSize:      6,
		SurvivalFraction:    0.5,
		MutationProbability: 0.2,
		FitnessThreshold:    1,
		MaxGenerations:      3,
		Workers:             2,
		Seed:                7,
	}
}

func startedPolis(t *testing.T, modules ...SupportModule) (*Polis, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	polis := NewPolis(Config{Store: store, SupportModules: modules, Supervisor: fastPolicy(), Logger: quietLogger()})
	if err := polis.Init(context.Background()); err != nil {
		t.Fatalf("init polis: %v", err)
	}
	t.Cleanup(func() { _ = polis.Stop() })
	return polis, store
}

func TestPolisInitRequiresStore(t *testing.T) {
	polis := NewPolis(Config{})
	if err := polis.Init(context.Background()); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestPolisRunEvolutionBeforeInit(t *testing.T) {
	polis := NewPolis(Config{Store: storage.NewMemoryStore()})
	_, err := polis.RunEvolution(context.Background(), EvolutionConfig{Monitor: testMonitorConfig()})
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestPolisSupervisesSupportModules(t *testing.T) {
	module := &testSupportModule{name: "metrics"}
	polis, _ := startedPolis(t, module)

	waitFor(t, func() bool { return module.serves.Load() == 1 })
	if got := polis.ActiveSupportModules(); len(got) != 1 || got[0] != "metrics" {
		t.Fatalf("unexpected active modules: %v", got)
	}
	if err := polis.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if polis.Started() || len(polis.ActiveSupportModules()) != 0 {
		t.Fatal("expected stopped polis with no support modules")
	}
}

func TestPolisRejectsDuplicateSupportModules(t *testing.T) {
	polis := NewPolis(Config{
		Store:          storage.NewMemoryStore(),
		SupportModules: []SupportModule{&testSupportModule{name: "a"}, &testSupportModule{name: "a"}},
		Logger:         quietLogger(),
	})
	if err := polis.Init(context.Background()); err == nil {
		t.Fatal("expected duplicate support module error")
	}
	if len(polis.ActiveSupportModules()) != 0 {
		t.Fatalf("failed init must not leave modules running: %v", polis.ActiveSupportModules())
	}
}

func TestPolisRunEvolutionPersistsArtifacts(t *testing.T) {
	polis, store := startedPolis(t)
	ctx := context.Background()

	out, err := polis.RunEvolution(ctx, EvolutionConfig{RunID: "run-a", EvaluatorName: fitness.KindUnitsSum, Monitor: testMonitorConfig()})
	if err != nil {
		t.Fatalf("run evolution: %v", err)
	}
	if out.Run.ID != "run-a" || out.Run.Generations != 3 || out.Run.Termination != string(evo.TerminationBudget) {
		t.Fatalf("unexpected run record: %+v", out.Run)
	}
	if out.Run.Dataset != "cifar10" || out.Run.Evaluator != fitness.KindUnitsSum {
		t.Fatalf("unexpected run metadata: %+v", out.Run)
	}

	run, ok, err := store.GetRun(ctx, "run-a")
	if err != nil || !ok {
		t.Fatalf("get run: ok=%t err=%v", ok, err)
	}
	if run.BestGenomeID != out.Result.Best.ID || run.BestFitness != out.Result.Best.Fitness {
		t.Fatalf("stored run best mismatch: %+v", run)
	}
	if _, ok, _ := store.GetGenome(ctx, run.BestGenomeID); !ok {
		t.Fatal("best genome not persisted")
	}

	history, ok, err := store.GetFitnessHistory(ctx, "run-a")
	if err != nil || !ok || len(history) != 3 {
		t.Fatalf("fitness history: %v ok=%t err=%v", history, ok, err)
	}
	diagnostics, ok, _ := store.GetGenerationDiagnostics(ctx, "run-a")
	if !ok || len(diagnostics) != 3 {
		t.Fatalf("diagnostics: %+v", diagnostics)
	}
	top, ok, _ := store.GetTopGenomes(ctx, "run-a")
	if !ok || len(top) != 5 || top[0].Rank != 1 || top[0].Fitness < top[4].Fitness {
		t.Fatalf("top genomes: %+v", top)
	}
	lineage, ok, _ := store.GetLineage(ctx, "run-a")
	if !ok || len(lineage) != 6*3 {
		t.Fatalf("expected lineage for seed plus 2 bred generations, got %d", len(lineage))
	}
	population, ok, _ := store.GetPopulation(ctx, "run-a")
	if !ok || len(population.Genomes) != 6 || population.Generation != 3 {
		t.Fatalf("final population: %+v", population)
	}
	if len(polis.ActiveRuns()) != 0 {
		t.Fatalf("run should be unregistered: %v", polis.ActiveRuns())
	}
}

func TestPolisRunEvolutionGeneratesRunID(t *testing.T) {
	polis, _ := startedPolis(t)
	out, err := polis.RunEvolution(context.Background(), EvolutionConfig{Monitor: testMonitorConfig()})
	if err != nil {
		t.Fatalf("run evolution: %v", err)
	}
	if out.Run.ID == "" {
		t.Fatal("expected generated run id")
	}
}

func TestPolisRunEvolutionPropagatesConfigErrors(t *testing.T) {
	polis, store := startedPolis(t)
	cfg := testMonitorConfig()
	cfg.SurvivalFraction = 0
	_, err := polis.RunEvolution(context.Background(), EvolutionConfig{RunID: "bad", Monitor: cfg})
	if !errors.Is(err, evo.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, ok, _ := store.GetRun(context.Background(), "bad"); ok {
		t.Fatal("rejected run must not be persisted")
	}
}

func TestPolisStopRunCancelsActiveRun(t *testing.T) {
	polis, store := startedPolis(t)
	started := make(chan struct{}, 1)
	cfg := testMonitorConfig()
	cfg.Workers = 1
	cfg.Evaluator = evo.EvaluatorFunc(func(ctx context.Context, _ model.Genome, _ evo.Environment) (float64, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return 0, ctx.Err()
	})

	errs := make(chan error, 1)
	go func() {
		_, err := polis.RunEvolution(context.Background(), EvolutionConfig{RunID: "cancel-me", Monitor: cfg})
		errs <- err
	}()
	<-started
	if err := polis.StopRun("missing"); !errors.Is(err, ErrRunNotActive) {
		t.Fatalf("expected ErrRunNotActive, got %v", err)
	}
	if err := polis.StopRun("cancel-me"); err != nil {
		t.Fatalf("stop run: %v", err)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	if _, ok, _ := store.GetRun(context.Background(), "cancel-me"); ok {
		t.Fatal("cancelled run must not be persisted")
	}
}

func TestTopGenomesCapsAtPopulation(t *testing.T) {
	ranked := evo.Population{{ID: "a", Fitness: 0.9}, {ID: "b", Fitness: 0.5}}
	top := topGenomes(ranked, 5)
	if len(top) != 2 || top[1].Rank != 2 || top[1].Genome.ID != "b" {
		t.Fatalf("unexpected top genomes: %+v", top)
	}
}
