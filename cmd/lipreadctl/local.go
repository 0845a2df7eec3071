package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loqalabs/lipread/internal/config"
	"github.com/loqalabs/lipread/internal/lipread"
	"github.com/loqalabs/lipread/internal/model"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect runtime configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Load a config file with environment overrides and validate it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok: model=%s localizer=%s port=%d\n", cfg.Model.Mode, cfg.Localizer.Mode, cfg.HTTP.Port)
		return nil
	},
}

var (
	vocabPath    string
	vocabClasses int
)

var vocabCmd = &cobra.Command{
	Use:   "vocab",
	Short: "Print the vocabulary as index and token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		vocab := lipread.DefaultVocabulary(vocabClasses)
		if vocabPath != "" {
			var err error
			if vocab, err = lipread.LoadVocabulary(vocabPath, vocabClasses); err != nil {
				return err
			}
		}
		for i, tok := range vocab.Tokens() {
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", i, tok)
		}
		return nil
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage native model checkpoints",
}

var (
	ckptClasses int
	ckptSeed    uint64
)

var checkpointInitCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Write a freshly initialized checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		net, err := model.NewNetwork(model.DefaultArchitecture(ckptClasses, ckptSeed))
		if err != nil {
			return err
		}
		if err := net.SaveCheckpoint(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d tensors)\n", args[0], len(net.ParamNames()))
		return nil
	},
}

var checkpointInspectCmd = &cobra.Command{
	Use:   "inspect <path>",
	Short: "Check that a checkpoint matches the native architecture",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		net, err := model.NewNetwork(model.DefaultArchitecture(ckptClasses, 1))
		if err != nil {
			return err
		}
		if err := net.LoadCheckpoint(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok: %d tensors match %s\n", len(net.ParamNames()), model.Family)
		return nil
	},
}

func init() {
	vocabCmd.Flags().StringVar(&vocabPath, "path", "", "Vocabulary YAML file with a tokens list")
	vocabCmd.Flags().IntVar(&vocabClasses, "num-classes", 500, "Number of model output classes")

	checkpointCmd.PersistentFlags().IntVar(&ckptClasses, "num-classes", 500, "Number of model output classes")
	checkpointInitCmd.Flags().Uint64Var(&ckptSeed, "seed", 1, "Weight initialization seed")

	configCmd.AddCommand(configValidateCmd)
	checkpointCmd.AddCommand(checkpointInitCmd, checkpointInspectCmd)
	rootCmd.AddCommand(configCmd, vocabCmd, checkpointCmd)
}
