package commands

import (
	"fmt"
	"strconv"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/AudereNow/s3cacheproxy/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively create a configuration file",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	bucketPrompt := promptui.Prompt{Label: "S3 bucket name", Validate: requiredString}
	bucket, err := bucketPrompt.Run()
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	cfg.Bucket = bucket

	portPrompt := promptui.Prompt{
		Label:    "Listen port",
		Default:  strconv.Itoa(cfg.Port),
		Validate: validatePort,
	}
	portStr, err := portPrompt.Run()
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	port, _ := strconv.Atoi(portStr)
	cfg.Port = port

	asyncSelect := promptui.Select{
		Label: "Enable asynchronous uploads",
		Items: []string{"yes", "no"},
	}
	_, asyncChoice, err := asyncSelect.Run()
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	cfg.AsyncUpload.Enabled = asyncChoice == "yes"

	path := GetConfigFile()
	if path == "" {
		path = config.DefaultConfigPath()
	}

	if err := config.Save(cfg, path); err != nil {
		return fmt.Errorf("init: save config: %w", err)
	}

	fmt.Printf("Wrote configuration to %s\n", path)
	return nil
}

func requiredString(s string) error {
	if s == "" {
		return fmt.Errorf("a value is required")
	}
	return nil
}

func validatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("must be a port number between 1 and 65535")
	}
	return nil
}
