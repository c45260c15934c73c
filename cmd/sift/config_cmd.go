package main

import (
	"fmt"
	"os"

	"github.com/fentz26/sift/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage sift configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config file",
	Long:  `Writes the default configuration to the user config path, or to [path] when given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configForce bool

func init() {
	configCmd.AddCommand(configInitCmd, configShowCmd)
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.UserConfigPath()
	if len(args) == 1 {
		path = args[0]
	}
	if err := config.WriteDefault(path, configForce); err != nil {
		return err
	}
	fmt.Printf("%s Wrote default config to %s\n", okMark, path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if f := cfg.File(); f != "" {
		fmt.Println(dimText("# loaded from " + f))
	} else {
		fmt.Println(dimText("# no config file found; defaults and environment only"))
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.Settings()); err != nil {
		return err
	}
	return enc.Close()
}
