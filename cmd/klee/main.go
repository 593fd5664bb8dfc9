// Command klee symbolically executes a YAML-encoded IR module and writes
// one test case per discovered path into the output directory.
package main

import (
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/capsosk/klee"
	"github.com/capsosk/klee/z3"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	entry     string
	outputDir string
	search    string
	verbose   bool

	maxTime          time.Duration
	maxInstructions  uint64
	maxForks         int
	maxDepth         int
	maxMemory        uint64
	maxMemoryInhibit bool
	maxStackFrames   int
	timerInterval    time.Duration
	exitOnErrorType  []string

	externalCalls string

	seedFiles           []string
	seedTime            time.Duration
	onlyReplaySeeds     bool
	onlySeed            bool
	allowSeedExtension  bool
	zeroSeedExtension   bool
	allowSeedTruncation bool
	namedSeedMatching   bool

	dumpStatesOnHalt            bool
	onlyOutputStatesCoveringNew bool
	emitAllErrors               bool
	checkLeaks                  bool
	checkMemCleanup             bool

	maxSymArraySize      uint64
	simplifySymIndices   bool
	equalitySubstitution bool
	coreSolverTimeout    time.Duration

	debugPrintInstructions string
	rngSeed                int64
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "klee [flags] <module.yaml>",
		Short: "Symbolic execution of a lowered IR module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(&opts, args[0])
		},
		SilenceUsage: true,
	}

	fs := cmd.Flags()
	fs.StringVar(&opts.entry, "entry", "main", "entry function")
	fs.StringVar(&opts.outputDir, "output-dir", "klee-out", "directory for generated test cases")
	fs.StringVar(&opts.search, "search", "dfs", "search strategy (dfs|bfs|random|random-path)")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose logging")

	fs.DurationVar(&opts.maxTime, "max-time", 0, "halt after this wall time")
	fs.Uint64Var(&opts.maxInstructions, "max-instructions", 0, "halt after executing this many instructions")
	fs.IntVar(&opts.maxForks, "max-forks", -1, "suppress forking after this many forks")
	fs.IntVar(&opts.maxDepth, "max-depth", 0, "terminate states beyond this fork depth")
	fs.Uint64Var(&opts.maxMemory, "max-memory", 0, "memory cap in MiB")
	fs.BoolVar(&opts.maxMemoryInhibit, "max-memory-inhibit", true, "inhibit forking at the memory cap")
	fs.IntVar(&opts.maxStackFrames, "max-stack-frames", 8192, "terminate states beyond this stack depth")
	fs.DurationVar(&opts.timerInterval, "timer-interval", time.Second, "budget check interval")
	fs.StringSliceVar(&opts.exitOnErrorType, "exit-on-error-type", nil, "halt the whole run on these error kinds")

	fs.StringVar(&opts.externalCalls, "external-calls", "concrete", "external call policy (none|pure|concrete|all)")

	fs.StringSliceVar(&opts.seedFiles, "seed-file", nil, "seed test case files")
	fs.DurationVar(&opts.seedTime, "seed-time", 0, "time budget for the seeding phase")
	fs.BoolVar(&opts.onlyReplaySeeds, "only-replay-seeds", false, "terminate states that leave the seed set")
	fs.BoolVar(&opts.onlySeed, "only-seed", false, "stop after the seeding phase")
	fs.BoolVar(&opts.allowSeedExtension, "allow-seed-extension", false, "allow seeds shorter than the symbolic object")
	fs.BoolVar(&opts.zeroSeedExtension, "zero-seed-extension", false, "zero-fill short seeds")
	fs.BoolVar(&opts.allowSeedTruncation, "allow-seed-truncation", false, "allow seeds longer than the symbolic object")
	fs.BoolVar(&opts.namedSeedMatching, "named-seed-matching", false, "match seed objects by name")

	fs.BoolVar(&opts.dumpStatesOnHalt, "dump-states-on-halt", true, "emit test cases for unfinished states on halt")
	fs.BoolVar(&opts.onlyOutputStatesCoveringNew, "only-output-states-covering-new", false, "only emit states covering new code")
	fs.BoolVar(&opts.emitAllErrors, "emit-all-errors", false, "emit duplicate error test cases")
	fs.BoolVar(&opts.checkLeaks, "check-leaks", false, "report unreachable unfreed memory at exit")
	fs.BoolVar(&opts.checkMemCleanup, "check-memcleanup", false, "report any unfreed memory at exit")

	fs.Uint64Var(&opts.maxSymArraySize, "max-sym-array-size", 0, "concretize accesses to arrays above this size")
	fs.BoolVar(&opts.simplifySymIndices, "simplify-sym-indices", false, "simplify symbolic accesses against constraints")
	fs.BoolVar(&opts.equalitySubstitution, "equality-substitution", true, "rewrite equalities before solving")
	fs.DurationVar(&opts.coreSolverTimeout, "core-solver-timeout", 0, "per-query solver timeout")

	fs.StringVar(&opts.debugPrintInstructions, "debug-print-instructions", "", "instruction trace (all:stderr|src:stderr|compact:stderr|all:file|src:file|compact:file)")
	fs.Int64Var(&opts.rngSeed, "rng-seed", 1, "random number generator seed")

	return cmd
}

func run(opts *options, path string) error {
	log.SetFlags(0)
	if !opts.verbose {
		log.SetOutput(io.Discard)
	}

	module, err := LoadModule(path)
	if err != nil {
		return err
	}

	config, debugClose, err := buildConfig(opts)
	if err != nil {
		return err
	}
	if debugClose != nil {
		defer debugClose()
	}

	if err := os.MkdirAll(opts.outputDir, 0o755); err != nil {
		return err
	}
	handler := &klee.DirHandler{Dir: opts.outputDir}

	solver := z3.NewSolver()
	defer solver.Close()

	executor, err := klee.NewExecutor(module, opts.entry, solver, config, handler)
	if err != nil {
		return err
	}

	switch opts.search {
	case "dfs":
		executor.Searcher = klee.NewDFSSearcher()
	case "bfs":
		executor.Searcher = klee.NewBFSSearcher()
	case "random":
		executor.Searcher = klee.NewRandomSearcher(newRand(opts.rngSeed))
	case "random-path":
		executor.Searcher = klee.NewRandomPathSearcher(executor.ProcessTree(), newRand(opts.rngSeed))
	default:
		return fmt.Errorf("unknown search strategy: %q", opts.search)
	}

	if len(opts.seedFiles) > 0 {
		var seeds []*klee.KTest
		for _, f := range opts.seedFiles {
			test, err := klee.ReadKTest(f)
			if err != nil {
				return err
			}
			seeds = append(seeds, test)
		}
		executor.UseSeeds(seeds)
	}

	runErr := executor.Run()
	if handler.Err != nil {
		return handler.Err
	}

	stats := executor.Stats()
	fmt.Printf("done: instructions=%d forks=%d paths=%d tests=%d queries=%d\n",
		stats.Instructions, stats.Forks, handler.PathsExplored, handler.N, executor.SolverQueries())
	return runErr
}

func buildConfig(opts *options) (klee.Config, func(), error) {
	config := klee.DefaultConfig()
	config.MaxTime = opts.maxTime
	config.MaxInstructions = opts.maxInstructions
	config.MaxForks = opts.maxForks
	config.MaxDepth = opts.maxDepth
	config.MaxMemory = opts.maxMemory << 20
	config.MaxMemoryInhibit = opts.maxMemoryInhibit
	config.MaxStackFrames = opts.maxStackFrames
	config.TimerInterval = opts.timerInterval
	config.SeedTime = opts.seedTime
	config.OnlyReplaySeeds = opts.onlyReplaySeeds
	config.OnlySeed = opts.onlySeed
	config.AllowSeedExtension = opts.allowSeedExtension
	config.ZeroSeedExtension = opts.zeroSeedExtension
	config.AllowSeedTruncation = opts.allowSeedTruncation
	config.NamedSeedMatching = opts.namedSeedMatching
	config.DumpStatesOnHalt = opts.dumpStatesOnHalt
	config.OnlyOutputStatesCoveringNew = opts.onlyOutputStatesCoveringNew
	config.EmitAllErrors = opts.emitAllErrors
	config.CheckLeaks = opts.checkLeaks
	config.CheckMemCleanup = opts.checkMemCleanup
	config.MaxSymArraySize = opts.maxSymArraySize
	config.SimplifySymIndices = opts.simplifySymIndices
	config.EqualitySubstitution = opts.equalitySubstitution
	config.CoreSolverTimeout = opts.coreSolverTimeout
	config.Seed = opts.rngSeed

	for _, name := range opts.exitOnErrorType {
		kind, err := klee.ParseTerminateReason(name)
		if err != nil {
			return config, nil, err
		}
		config.ExitOnErrorType = append(config.ExitOnErrorType, kind)
	}

	policy, err := klee.ParseExternalCallPolicy(opts.externalCalls)
	if err != nil {
		return config, nil, err
	}
	config.ExternalCalls = policy

	var closeFn func()
	if opts.debugPrintInstructions != "" {
		mode, toFile, err := parseDebugPrint(opts.debugPrintInstructions)
		if err != nil {
			return config, nil, err
		}
		config.DebugPrintInstructions = mode
		if toFile {
			f, err := os.Create(filepath.Join(opts.outputDir, "instructions.txt"))
			if err != nil {
				return config, nil, err
			}
			config.DebugLog = f
			closeFn = func() { f.Close() }
		}
	}
	return config, closeFn, nil
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

func parseDebugPrint(s string) (klee.DebugPrintMode, bool, error) {
	switch s {
	case "all:stderr":
		return klee.DebugPrintStderr | klee.DebugPrintAll, false, nil
	case "src:stderr":
		return klee.DebugPrintStderr | klee.DebugPrintSrc, false, nil
	case "compact:stderr":
		return klee.DebugPrintStderr | klee.DebugPrintCompact, false, nil
	case "all:file":
		return klee.DebugPrintFile | klee.DebugPrintAll, true, nil
	case "src:file":
		return klee.DebugPrintFile | klee.DebugPrintSrc, true, nil
	case "compact:file":
		return klee.DebugPrintFile | klee.DebugPrintCompact, true, nil
	}
	return 0, false, fmt.Errorf("invalid debug-print-instructions value: %q", s)
}
