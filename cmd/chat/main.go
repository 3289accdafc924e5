package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"

	"github.com/xhad/ragchat/internal/app"
	"github.com/xhad/ragchat/internal/logger"
	"github.com/xhad/ragchat/internal/types"
	cfgPkg "github.com/xhad/ragchat/pkg/config"
	"github.com/xhad/ragchat/pkg/session"
)

func main() {
	var configPath, document string
	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.StringVar(&document, "pdf", "", "PDF to load before the first question")
	flag.Parse()

	_ = godotenv.Load()

	if err := run(configPath, document); err != nil {
		log.Fatal(err)
	}
}

func getProgressBar(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(100,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// spin animates a spinner until the returned stop function is called.
func spin(description string) func() {
	spinner := getSpinner(description)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				spinner.Add(1)
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
		spinner.Finish()
		fmt.Print("\r")
	}
}

func run(configPath, document string) error {
	cfg, err := cfgPkg.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, e)
		}
		return fmt.Errorf("invalid configuration: %d error(s)", len(errs))
	}

	// Keep the terminal for the conversation unless debugging.
	level := cfg.Log.Level
	if level == "info" {
		level = "warn"
	}
	zlog, err := logger.New(logger.Config{Level: level, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := app.New(ctx, cfg, zlog)
	if err != nil {
		return err
	}
	defer a.Close()

	sess := a.Sessions.Create()
	defer a.Sessions.Delete(sess.ID())

	if document != "" {
		upload(ctx, sess, document)
	}

	color.Cyan("\nChat with your PDF (type '/upload <path>' to load a document, 'exit' to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case strings.ToLower(input) == "exit":
			return nil
		case strings.HasPrefix(input, "/upload"):
			path := strings.TrimSpace(strings.TrimPrefix(input, "/upload"))
			if path == "" {
				color.Red("Usage: /upload <path to pdf>\n")
				continue
			}
			upload(ctx, sess, path)
			continue
		}

		stopSpinner := spin(" Thinking...")
		reply, err := sess.OnMessage(ctx, input)
		stopSpinner()

		if err != nil && !errors.Is(err, session.ErrAgent) {
			color.Red("Error: %v\n", err)
			continue
		}
		if err != nil {
			color.Red("\nAssistant: %s\n", reply.Content)
			continue
		}
		assistantPrompt("\nAssistant: %s\n", reply.Content)
	}

	return scanner.Err()
}

func upload(ctx context.Context, sess *session.Session, path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		color.Red("Failed to read %s: %v\n", path, err)
		return
	}

	bar := getProgressBar(" Processing document")
	progress := types.ProgressFunc(func(percent int, stage string) {
		bar.Describe(color.BlueString(" %s", stage))
		bar.Set(percent)
	})

	doc, err := sess.OnUpload(ctx, session.Upload{
		ID:      uuid.NewString(),
		Name:    filepath.Base(path),
		Content: content,
	}, progress)
	bar.Finish()
	fmt.Println()

	if err != nil {
		color.Red("Error processing document: %v\n", err)
		return
	}
	color.Green("✓ Document '%s' loaded and processed successfully!\n", doc.Name)
}
