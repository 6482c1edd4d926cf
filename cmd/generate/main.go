// Command generate runs an untrained model end to end: it builds the
// network from a preset, seeds random weights, encodes a prompt with the
// byte-level tokenizer, and decodes tokens through the sampling stack.
// The output is noise, but the plumbing is the real thing.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"llamago/pkg/format"
	"llamago/pkg/model"
	"llamago/pkg/tensor"
	"llamago/pkg/tokenizer"
)

type options struct {
	prompt      string
	maxTokens   int
	temperature float32
	topK        int
	topP        float32
	minP        float32
	seed        int64
	preset      string
	verbose     bool
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:          "generate",
		Short:        "Generate tokens from a randomly initialized Llama2-style model",
		SilenceUsage: true,
		PreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("seed") {
				opts.seed = time.Now().UnixNano()
			}
			return run(opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.prompt, "prompt", "p", "Once upon a time", "Prompt text")
	f.IntVarP(&opts.maxTokens, "max-tokens", "n", 64, "Number of tokens to generate")
	f.Float32VarP(&opts.temperature, "temperature", "t", 0.8, "Sampling temperature (0 = greedy)")
	f.IntVar(&opts.topK, "top-k", 40, "Keep only the k most likely tokens (0 = disabled)")
	f.Float32Var(&opts.topP, "top-p", 0.9, "Nucleus sampling threshold (1 = disabled)")
	f.Float32Var(&opts.minP, "min-p", 0, "Minimum relative probability (0 = disabled)")
	f.Int64Var(&opts.seed, "seed", 0, "Random seed for weights and sampling (default: current time)")
	f.StringVar(&opts.preset, "preset", "small", `Model preset: "small" or "7b" (7b needs ~27 GB of RAM)`)
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

func run(opts options) error {
	cfg, err := preset(opts.preset)
	if err != nil {
		return err
	}

	tok := tokenizer.NewByteLevel()
	if cfg.VocabSize < tok.VocabSize() {
		return fmt.Errorf("preset vocabulary (%d) is smaller than the tokenizer's (%d)",
			cfg.VocabSize, tok.VocabSize())
	}

	slog.Debug("building model", "preset", opts.preset, "seed", opts.seed)
	start := time.Now()
	m, err := model.New(cfg)
	if err != nil {
		return fmt.Errorf("building model: %w", err)
	}
	m.RandomizeWeights(opts.seed)
	slog.Debug("model ready", "elapsed", time.Since(start))

	printSummary(m)

	tokens := tok.Encode(opts.prompt, true, false)
	slog.Debug("prompt encoded", "tokens", len(tokens))

	fmt.Printf("Prompt: %q\n", opts.prompt)
	fmt.Print("Output: ")

	start = time.Now()
	generated, err := m.Generate(tokens, model.GenerateOptions{
		MaxNewTokens: opts.maxTokens,
		Temperature:  opts.temperature,
		TopK:         opts.topK,
		TopP:         opts.topP,
		MinP:         opts.minP,
		Seed:         &opts.seed,
		OnToken: func(t int) {
			fmt.Print(tok.Decode([]int{t}))
		},
	})
	fmt.Println()
	if err != nil {
		return fmt.Errorf("generating: %w", err)
	}

	elapsed := time.Since(start)
	fmt.Printf("\n%d tokens in %v (%.1f tok/s)\n",
		len(generated), elapsed.Round(time.Millisecond),
		float64(len(generated))/elapsed.Seconds())
	return nil
}

func preset(name string) (model.Config, error) {
	switch strings.ToLower(name) {
	case "small":
		return model.Small(), nil
	case "7b":
		return model.Llama2_7B(), nil
	default:
		return model.Config{}, fmt.Errorf("unknown preset %q (want \"small\" or \"7b\")", name)
	}
}

func printSummary(m *model.Llama2) {
	cfg := m.Config
	params := m.NumParameters()

	fmt.Println("Model:")
	fmt.Printf("  dim %d, layers %d, heads %d (kv %d), vocab %d, context %d\n",
		cfg.Dim, cfg.NumLayers, cfg.NumHeads, cfg.NumKVHeads, cfg.VocabSize, cfg.MaxSeqLen)
	fmt.Printf("  parameters: %s\n", format.HumanNumber(uint64(params)))
	fmt.Printf("  memory: %s fp32, %s fp16, %s bf16\n",
		format.HumanBytes(m.MemoryBytes(tensor.Float32)),
		format.HumanBytes(m.MemoryBytes(tensor.Float16)),
		format.HumanBytes(m.MemoryBytes(tensor.BFloat16)))
	fmt.Println()
}
