package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"agent-webapp/internal/infra/config"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	// No command runs the gateway.
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		exit("serve", runServe(os.Args[1:]))
		return
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "ask":
		err = runAsk(os.Args[2:])
	case "encrypt":
		err = runEncrypt(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'webchat --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
	exit(os.Args[1], err)
}

func exit(command string, err error) {
	if err == nil {
		return
	}
	if !errors.Is(err, errReported) {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
	}
	os.Exit(1)
}

func showUsage() {
	fmt.Println(`webchat - chat front end for a streaming AI agent backend

USAGE:
    webchat [COMMAND] [FLAGS]

COMMANDS:
    serve               Run the WebSocket gateway for browser clients (default)
    ask "<prompt>"      Send one message and render the streamed reply
    encrypt <value>     Encrypt a secret for config.yaml with AGENTWEB_CONFIG_KEY

FLAGS:
    -h, --help              Show this help message
    --config PATH           Config file path (default: ./config.yaml)
    --conversation ID       (ask) Continue an existing conversation
    --yes                   (ask) Approve every tool call without asking

CONFIGURATION:
    Config file: ./config.yaml, or AGENTWEB_CONFIG
    Environment: AGENTWEB_* variables override config

EXAMPLES:
    webchat serve
    webchat ask "Summarize the Q3 report"
    webchat ask --conversation 01J9Z... "And the Q4 one?"
    AGENTWEB_CONFIG_KEY=secret webchat encrypt sk-live-...`)
}

// cliFlags holds the flags shared by the subcommands.
type cliFlags struct {
	ConfigPath     string
	ConversationID string
	AutoApprove    bool
	Args           []string // positional arguments
}

// parseFlags splits args into known flags and positional arguments.
func parseFlags(args []string) (cliFlags, error) {
	var flags cliFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config" || arg == "--conversation":
			if i+1 >= len(args) {
				return flags, fmt.Errorf("%s requires a value", arg)
			}
			if arg == "--config" {
				flags.ConfigPath = args[i+1]
			} else {
				flags.ConversationID = args[i+1]
			}
			i++
		case strings.HasPrefix(arg, "--config="):
			flags.ConfigPath = strings.TrimPrefix(arg, "--config=")
		case strings.HasPrefix(arg, "--conversation="):
			flags.ConversationID = strings.TrimPrefix(arg, "--conversation=")
		case arg == "--yes" || arg == "-y":
			flags.AutoApprove = true
		case arg == "--":
			flags.Args = append(flags.Args, args[i+1:]...)
			return flags, nil
		case strings.HasPrefix(arg, "--"):
			return flags, fmt.Errorf("unknown flag: %s", arg)
		default:
			flags.Args = append(flags.Args, arg)
		}
	}
	return flags, nil
}

// configPath resolves the config file: --config, then AGENTWEB_CONFIG.
func configPath(flags cliFlags) string {
	if flags.ConfigPath != "" {
		return flags.ConfigPath
	}
	if p := os.Getenv("AGENTWEB_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func runEncrypt(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(flags.Args) != 1 {
		return fmt.Errorf("usage: webchat encrypt <value>")
	}
	passphrase, err := readPassphrase()
	if err != nil {
		return err
	}
	enc, err := config.EncryptValue(flags.Args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}

// readPassphrase takes AGENTWEB_CONFIG_KEY, or prompts without echo when
// stdin is a terminal.
func readPassphrase() (string, error) {
	if p := os.Getenv("AGENTWEB_CONFIG_KEY"); p != "" {
		return p, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("AGENTWEB_CONFIG_KEY must be set")
	}
	fmt.Fprint(os.Stderr, "Passphrase: ")
	p, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if len(p) == 0 {
		return "", fmt.Errorf("passphrase must not be empty")
	}
	return string(p), nil
}
