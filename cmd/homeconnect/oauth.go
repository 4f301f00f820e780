package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/joshp123/homeconnect/internal/clock"
	"github.com/joshp123/homeconnect/internal/config"
	"github.com/joshp123/homeconnect/internal/oauth"
	"github.com/joshp123/homeconnect/internal/qr"
)

func oauthMain(args []string) {
	if len(args) == 0 {
		oauthUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "device":
		deviceCmd(args[1:])
	case "clear":
		clearCmd(args[1:])
	default:
		oauthUsage()
		os.Exit(2)
	}
}

func oauthUsage() {
	fmt.Println("homeconnect oauth <command> [args]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  device [--config <path>] [--json] [--no-qr] [--print-token] [--timeout <d>]")
	fmt.Println("  clear  [--config <path>]")
}

type oauthOutput struct {
	VerifyURL     string `json:"verify_url"`
	UserCode      string `json:"user_code,omitempty"`
	TokenFile     string `json:"token_file"`
	BlobPersisted bool   `json:"blob_persisted"`
	ExpiresIn     int    `json:"expires_in_seconds"`
	RefreshToken  string `json:"refresh_token,omitempty"`
}

// deviceCmd runs the device flow headlessly and stores the refresh token
// where the daemon loads it from.
func deviceCmd(args []string) {
	flags := pflag.NewFlagSet("device", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", config.DefaultPath, "Path to config.yaml")
	jsonOut := flags.Bool("json", false, "Output JSON to stdout")
	noQR := flags.Bool("no-qr", false, "Do not print a QR code")
	printToken := flags.Bool("print-token", false, "Include refresh token in output")
	timeout := flags.Duration("timeout", 6*time.Minute, "Timeout for device flow")
	_ = flags.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("oauth", err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)

	store, err := tokenStore(cfg, log)
	if err != nil {
		fatal("oauth", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	auth := oauth.NewAuthenticator(declaration(cfg), nil, clock.Real(), log)
	grant, err := auth.Initiate(ctx, cfg.HomeConnect.ClientID)
	if err != nil {
		fatal("oauth", err)
	}

	verifyURL := grant.VerifyURL()
	lines := []string{"Open this URL to authorize:", verifyURL}
	if grant.UserCode != "" {
		lines = append(lines, fmt.Sprintf("User code: %s", grant.UserCode))
	}
	if !*noQR {
		if code, err := qr.Terminal(verifyURL); err == nil {
			lines = append(lines, code)
		}
	}
	lines = append(lines, "")
	printAuthPrompt(*jsonOut, lines...)

	tokens, err := auth.Poll(ctx, oauth.PollRequest{
		ClientID:     cfg.HomeConnect.ClientID,
		ClientSecret: cfg.HomeConnect.ClientSecret,
		DeviceCode:   grant.DeviceCode,
		Interval:     grant.PollInterval(),
		MaxAttempts:  oauth.MaxAttempts(grant),
	}, func(p oauth.Progress) {
		fmt.Fprintf(os.Stderr, "\rWaiting for authorization (%d/%d)", p.Attempt, p.MaxAttempts)
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fatal("oauth", err)
	}
	if tokens.RefreshToken == "" {
		fatal("oauth", fmt.Errorf("no refresh_token returned; check scope and client id"))
	}

	if err := store.Save(ctx, tokens.RefreshToken); err != nil {
		fatal("oauth", err)
	}

	mirrored, ok := store.(*oauth.MirroredStore)
	emitOAuthOutput(oauthOutput{
		VerifyURL:     verifyURL,
		UserCode:      grant.UserCode,
		TokenFile:     cfg.OAuth.TokenFile,
		BlobPersisted: ok && mirrored.MirrorOK(),
		ExpiresIn:     int(tokens.ExpiresIn / time.Second),
		RefreshToken:  tokens.RefreshToken,
	}, *jsonOut, *printToken)
}

func clearCmd(args []string) {
	flags := pflag.NewFlagSet("clear", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", config.DefaultPath, "Path to config.yaml")
	_ = flags.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("oauth", err)
	}
	store, err := tokenStore(cfg, zerolog.Nop())
	if err != nil {
		fatal("oauth", err)
	}
	if err := store.Delete(context.Background()); err != nil {
		fatal("oauth", err)
	}
	fmt.Printf("Removed refresh token: %s\n", cfg.OAuth.TokenFile)
}

func emitOAuthOutput(output oauthOutput, jsonOut bool, printToken bool) {
	if !printToken {
		output.RefreshToken = ""
	}
	if jsonOut {
		payload, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			fatal("oauth", err)
		}
		fmt.Fprintln(os.Stdout, string(payload))
		return
	}

	fmt.Printf("Token file: %s\n", output.TokenFile)
	fmt.Printf("Blob persisted: %t\n", output.BlobPersisted)
	if printToken && output.RefreshToken != "" {
		fmt.Printf("Refresh token: %s\n", output.RefreshToken)
	}
}

func printAuthPrompt(jsonOut bool, lines ...string) {
	out := os.Stdout
	if jsonOut {
		out = os.Stderr
	}
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
}
