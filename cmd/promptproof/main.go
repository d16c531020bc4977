package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"promptproof/internal/abtest"
	"promptproof/internal/config"
	"promptproof/internal/engine"
	"promptproof/internal/guard"
	"promptproof/internal/identity"
	"promptproof/internal/logging"
	"promptproof/internal/rules"
	"promptproof/internal/snippets"
	"promptproof/internal/store"
	"promptproof/internal/verification"
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "promptproof",
	Short: "promptproof - runtime context compilation and attestation for voice agents",
	Long: `promptproof compiles per-turn message lists for LLM voice agents and
proves what it did.

Every turn gets: a scope key derived from (location, agent, prompt hash),
the behavioral rule-set extracted from the prompt, learned correction
snippets scoped to that exact prompt version, a token budget, and a signed
attestation receipt recorded for later audit.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(workspace); err != nil {
			return fmt.Errorf("failed to initialize file logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.Close()
	},
}

// compileCmd compiles one turn from a request file
var compileCmd = &cobra.Command{
	Use:   "compile [request.json]",
	Short: "Compile one turn and print the messages plus attestation receipt",
	Long: `Reads a compile request (JSON) from the given file, or stdin when the
argument is "-", assembles the message list, and prints the result.

Request fields:
  locationId, agentId, systemPrompt   (required)
  contextJson, conversationSummary    (optional)
  lastTurns: [{role, content}]        (optional)
  snippetsOverride: true|false        (optional)

Example:
  promptproof compile turn.json`,
	Args: cobra.ExactArgs(1),
	RunE: runCompile,
}

// guardCmd evaluates a candidate response
var guardCmd = &cobra.Command{
	Use:   "guard [candidate text]",
	Short: "Evaluate a candidate response against the rule-set",
	Long: `Runs the response guard over a candidate utterance and prints the
decision: approved, modified (questions trimmed to one), or blocked.

The rule-set comes from --prompt-file when given (extracted from the
embedded behavioral contract), otherwise the defaults apply.

Example:
  promptproof guard --fields fullName,phone "You're all set, see you then!"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGuard,
}

// diagnoseCmd analyzes stored receipts for one scope
var diagnoseCmd = &cobra.Command{
	Use:   "diagnose [scope-key]",
	Short: "Run diagnostics over the stored receipts of one scope",
	Long: `Loads every recorded attestation for the scope and checks for systemic
problems: spec hash drift, snippets enabled but never applied, chronic
token budget overflow. Prints a report with a healthy/warning/critical
verdict.

Example:
  promptproof diagnose scope:loc_123:agent_9:a1b2c3d4e5f60718`,
	Args: cobra.ExactArgs(1),
	RunE: runDiagnose,
}

// compareCmd runs the snippets-on/snippets-off comparison
var compareCmd = &cobra.Command{
	Use:   "compare [request.json]",
	Short: "Compile the same turn with snippets on and off and diff the results",
	Args:  cobra.ExactArgs(1),
	RunE:  runCompare,
}

// hashCmd prints the identity of a prompt
var hashCmd = &cobra.Command{
	Use:   "hash [prompt-file]",
	Short: "Print the prompt hash, spec hash, and scope key for a prompt file",
	Long: `Computes the identity a prompt would compile under. With --location and
--agent the full scope key is printed as well.

Example:
  promptproof hash --location loc_123 --agent agent_9 prompt.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runHash,
}

var (
	// guard flags
	guardPromptFile string
	guardFields     string
	guardPatterns   string

	// diagnose flags
	expectedPromptHash string
	expectedSpecHash   string

	// hash flags
	hashLocation string
	hashAgent    string
	weakHash     bool
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory (holds .promptproof/)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Command timeout")

	guardCmd.Flags().StringVar(&guardPromptFile, "prompt-file", "", "System prompt file to extract the rule-set from")
	guardCmd.Flags().StringVar(&guardFields, "fields", "", "Comma-separated list of already-collected fields")
	guardCmd.Flags().StringVar(&guardPatterns, "patterns", "", "YAML pattern pack overriding the built-in phrase lists")

	diagnoseCmd.Flags().StringVar(&expectedPromptHash, "expect-prompt-hash", "", "Fail if recorded prompt hashes differ from this")
	diagnoseCmd.Flags().StringVar(&expectedSpecHash, "expect-spec-hash", "", "Fail if recorded spec hashes differ from this")

	hashCmd.Flags().StringVar(&hashLocation, "location", "", "Location (tenant) identifier")
	hashCmd.Flags().StringVar(&hashAgent, "agent", "", "Agent identifier")
	hashCmd.Flags().BoolVar(&weakHash, "weak", false, "Use the weak 8-hex fallback hash")

	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(guardCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newEngine builds an engine from the workspace config: SQLite-backed
// attestation store, and snippets from the remote service when configured,
// the local SQLite store otherwise.
func newEngine() (*engine.Engine, func(), error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, nil, err
	}

	dataDir := filepath.Join(workspace, ".promptproof")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	st, err := store.NewSQLiteStore(filepath.Join(dataDir, "attestations.db"), cfg.ScopeHistoryLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open attestation store: %w", err)
	}

	var provider snippets.Provider
	var snippetStore *snippets.SQLiteStore
	if cfg.SnippetServiceURL != "" {
		provider = snippets.NewRemoteProvider(cfg.SnippetServiceURL, snippets.WithLogger(logger))
	} else {
		snippetStore, err = snippets.NewSQLiteStore(filepath.Join(dataDir, "snippets.db"))
		if err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("failed to open snippet store: %w", err)
		}
		provider = snippetStore
	}

	cleanup := func() {
		if snippetStore != nil {
			snippetStore.Close()
		}
		st.Close()
	}

	return engine.New(cfg, st, provider), cleanup, nil
}

func readRequest(arg string) (engine.CompileRequest, error) {
	var data []byte
	var err error
	if arg == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(arg)
	}
	if err != nil {
		return engine.CompileRequest{}, fmt.Errorf("failed to read request: %w", err)
	}

	var req engine.CompileRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return engine.CompileRequest{}, fmt.Errorf("failed to parse request: %w", err)
	}
	return req, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runCompile(cmd *cobra.Command, args []string) error {
	req, err := readRequest(args[0])
	if err != nil {
		return err
	}

	eng, cleanup, err := newEngine()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	result, err := eng.Compile(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runGuard(cmd *cobra.Command, args []string) error {
	rs := rules.Default()
	if guardPromptFile != "" {
		prompt, err := os.ReadFile(guardPromptFile)
		if err != nil {
			return fmt.Errorf("failed to read prompt file: %w", err)
		}
		extracted := rules.Extract(string(prompt))
		rs = extracted.RuleSet
	}

	g := guard.New()
	if guardPatterns != "" {
		p, err := guard.LoadPatterns(guardPatterns)
		if err != nil {
			return err
		}
		g = guard.NewWithPatterns(p)
	}

	var fields []string
	if guardFields != "" {
		fields = strings.Split(guardFields, ",")
	}

	decision := g.Evaluate(rs, fields, strings.Join(args, " "))
	return printJSON(decision)
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	eng, cleanup, err := newEngine()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var expected *verification.Expected
	if expectedPromptHash != "" || expectedSpecHash != "" {
		expected = &verification.Expected{
			PromptHash: expectedPromptHash,
			SpecHash:   expectedSpecHash,
		}
	}

	report, err := eng.Diagnose(ctx, args[0], expected)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}

	if report.Health == verification.HealthCritical {
		return fmt.Errorf("scope %s is critical", args[0])
	}
	return nil
}

func runCompare(cmd *cobra.Command, args []string) error {
	req, err := readRequest(args[0])
	if err != nil {
		return err
	}

	eng, cleanup, err := newEngine()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	result, err := abtest.RunComparison(ctx, eng, req, nil)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runHash(cmd *cobra.Command, args []string) error {
	prompt, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read prompt file: %w", err)
	}

	hasher := identity.NewHasher()
	if weakHash {
		hasher = identity.NewWeakHasher()
	}

	promptHash := hasher.HashText(string(prompt))
	extracted := rules.Extract(string(prompt))
	specHash := hasher.HashText(rules.CanonicalJSON(extracted.RuleSet))

	fmt.Printf("promptHash: %s\n", promptHash)
	fmt.Printf("specHash:   %s\n", specHash)
	fmt.Printf("specSource: %s\n", extracted.Source)

	if hashLocation != "" && hashAgent != "" {
		scopeKey, err := identity.DeriveScopeKey(hashLocation, hashAgent, promptHash)
		if err != nil {
			return err
		}
		fmt.Printf("scopeKey:   %s\n", scopeKey)
	}
	return nil
}
