// Package main implements the pullwire distribution client.
package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/desertbit/grumble"
	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pullwire/pkg/discovery"
	"pullwire/pkg/negotiate"
	"pullwire/pkg/session"
)

// CLI banner with version.
const banner = `
              _ _          _
  _ __  _   _| | |_      _(_)_ __ ___
 | '_ \| | | | | \ \ /\ / / | '__/ _ \
 | |_) | |_| | | |\ V  V /| | | |  __/
 | .__/ \__,_|_|_| \_/\_/ |_|_|  \___|
 |_|

   Software distribution client (v1.0)
   -----------------------------------

`

// Config holds the client identity and session defaults.
type Config struct {
	ClientName string `json:"client_name"`          // identity sent in the hello
	ClientKey  string `json:"client_key"`           // base64 key material
	ServerKey  string `json:"server_key,omitempty"` // base64 pinned server key
	Project    string `json:"project"`              // default project name
	Platform   string `json:"platform,omitempty"`   // empty selects the local default
	Version    string `json:"version,omitempty"`    // installed version
}

// Global state.
var config *Config

// LoadConfig reads and parses the config file.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "./config.json"
	}

	// Get absolute path for clearer error messages
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %v", err)
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found at %s", absPath)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %v", absPath, err)
	}

	config := new(Config)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %v", absPath, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks required config fields.
func (config *Config) Validate() error {
	if config.ClientName == "" {
		return fmt.Errorf("client_name is required")
	}
	if config.ClientKey == "" {
		return fmt.Errorf("client_key is required")
	}
	if config.Project == "" {
		return fmt.Errorf("project is required")
	}
	if _, err := base64.StdEncoding.DecodeString(config.ClientKey); err != nil {
		return fmt.Errorf("client_key is not valid base64: %v", err)
	}
	if config.ServerKey != "" {
		if _, err := base64.StdEncoding.DecodeString(config.ServerKey); err != nil {
			return fmt.Errorf("server_key is not valid base64: %v", err)
		}
	}
	if config.Version != "" {
		if _, err := semver.NewVersion(config.Version); err != nil {
			return fmt.Errorf("version %q is not a semantic version: %v", config.Version, err)
		}
	}
	return nil
}

func (config *Config) clientKeyBytes() []byte {
	key, _ := base64.StdEncoding.DecodeString(config.ClientKey)
	return key
}

func (config *Config) serverKeyBytes() []byte {
	if config.ServerKey == "" {
		return nil
	}
	key, _ := base64.StdEncoding.DecodeString(config.ServerKey)
	return key
}

// connect discovers a server and completes the full project handshake.
// The returned connection is active; callers own its Close.
func connect() (*session.Connection, error) {
	conn, host, err := discovery.NewFinder().Find()
	if err != nil {
		return nil, err
	}

	sess := session.New(conn, config.serverKeyBytes())
	log.Debug().Str("host", host).Str("session", sess.ID.String()).Msg("Server discovered")

	if err := sess.Login(config.ClientName, config.clientKeyBytes()); err != nil {
		return nil, err
	}
	if err := sess.Initialize(config.Project, config.Platform); err != nil {
		return nil, err
	}

	log.Info().Str("host", host).Str("session", sess.ID.String()).Msg("Session established")
	return sess, nil
}

// newNegotiator wires the stdin prompt and zerolog into a negotiator
// over the given session.
func newNegotiator(sess *session.Connection) *negotiate.Negotiator {
	opts := []negotiate.Option{
		negotiate.WithPrompt(stdinPrompt),
		negotiate.WithLog(func(msg string) { log.Info().Msg(msg) }),
	}
	if config.Version != "" {
		v, _ := semver.NewVersion(config.Version)
		opts = append(opts, negotiate.WithLocalVersion(v))
	}
	return negotiate.New(sess, opts...)
}

var stdin = bufio.NewReader(os.Stdin)

// stdinPrompt reads one line of user input from the terminal.
func stdinPrompt(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := stdin.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// writePayload stores a downloaded binary, defaulting to
// "<project>.bin" in the working directory.
func writePayload(payload []byte, output string) error {
	if output == "" {
		output = config.Project + ".bin"
	}
	if err := os.WriteFile(output, payload, 0o644); err != nil {
		return err
	}
	log.Info().Str("file", output).Int("bytes", len(payload)).Msg("Binary written")
	return nil
}

// RenderProjectTable formats a catalog line into a human-readable
// table. The catalog is a delimited list of project names.
func RenderProjectTable(catalog string) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "Project"})

	names := strings.FieldsFunc(catalog, func(r rune) bool {
		return r == ';' || r == ','
	})
	for i, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		t.AppendRow(table.Row{i + 1, name})
	}

	return t.Render()
}

// AddCommands registers all CLI commands with the application.
func AddCommands(app *grumble.App) {
	// Command to check the installed version and update when behind
	app.AddCommand(&grumble.Command{
		Name:    "check",
		Aliases: []string{"update"},
		Help:    "compare the installed version against the server and download when behind",
		Flags: func(f *grumble.Flags) {
			f.String("o", "output", "", "file to write a downloaded binary to")
		},
		Run: func(c *grumble.Context) error {
			sess, err := connect()
			if err != nil {
				log.Error().Err(err).Msg("Handshake failed")
				return nil
			}
			defer sess.Close()

			result, err := newNegotiator(sess).Run(negotiate.Update)
			if err != nil {
				log.Error().Err(err).Msg("Update negotiation failed")
				return nil
			}

			if payload, ok := result.Binary(); ok {
				if err := writePayload(payload, c.Flags.String("output")); err != nil {
					log.Error().Err(err).Msg("Failed to write binary")
				}
				return nil
			}
			log.Info().Msg("Project is up to date")
			return nil
		},
	})
	// Command to download the current binary unconditionally
	app.AddCommand(&grumble.Command{
		Name:    "fetch",
		Aliases: []string{"download"},
		Help:    "download the project binary and verify its checksum",
		Flags: func(f *grumble.Flags) {
			f.String("o", "output", "", "file to write the binary to")
		},
		Run: func(c *grumble.Context) error {
			sess, err := connect()
			if err != nil {
				log.Error().Err(err).Msg("Handshake failed")
				return nil
			}
			defer sess.Close()

			result, err := newNegotiator(sess).Run(negotiate.Download)
			if err != nil {
				log.Error().Err(err).Msg("Download failed")
				return nil
			}

			payload, ok := result.Binary()
			if !ok {
				log.Error().Msg("Server returned no binary payload")
				return nil
			}
			if err := writePayload(payload, c.Flags.String("output")); err != nil {
				log.Error().Err(err).Msg("Failed to write binary")
			}
			return nil
		},
	})
	// Command to open the interactive dev console
	app.AddCommand(&grumble.Command{
		Name:    "console",
		Help:    "open the interactive server console (dev platform)",
		Run: func(c *grumble.Context) error {
			sess, err := connect()
			if err != nil {
				log.Error().Err(err).Msg("Handshake failed")
				return nil
			}
			defer sess.Close()

			neg := negotiate.New(sess,
				negotiate.WithPrompt(stdinPrompt),
				negotiate.WithLog(func(msg string) { c.App.Println(msg) }))
			if _, err := neg.Run(negotiate.Console); err != nil {
				log.Error().Err(err).Msg("Console session failed")
			}
			return nil
		},
	})
	// Command to list the server's project catalog
	app.AddCommand(&grumble.Command{
		Name:    "projects",
		Aliases: []string{"ls"},
		Help:    "list all projects the server distributes",
		Run: func(c *grumble.Context) error {
			conn, host, err := discovery.NewFinder().Find()
			if err != nil {
				log.Error().Err(err).Msg("Discovery failed")
				return nil
			}

			sess := session.New(conn, config.serverKeyBytes())
			defer sess.Close()

			catalog, err := sess.InitializeForListing(config.ClientName, config.clientKeyBytes())
			if err != nil {
				log.Error().Err(err).Str("host", host).Msg("Listing failed")
				return nil
			}

			c.App.Println(RenderProjectTable(catalog))
			return nil
		},
	})
}

// -----------------------------------------------------------------------------
// Main Application Entry
// -----------------------------------------------------------------------------

// main is the entry point for the application.
func main() {
	configureLogging()

	app := setupCLI()
	AddCommands(app)

	if err := app.Run(); err != nil {
		log.Fatal().Msg(err.Error())
	}
}

// configureLogging sets up zerolog with appropriate formatting and level.
func configureLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	})

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// setupCLI initializes the command-line interface with basic configuration.
// Returns a configured grumble App instance.
func setupCLI() *grumble.App {
	// Determine history file location
	var histFile string
	home, err := os.UserHomeDir()
	if err != nil {
		histFile = ".pullwire" // current working directory
	} else {
		histFile = filepath.Join(home, ".pullwire") // home directory
	}

	app := grumble.New(&grumble.Config{
		Name:        "pullwire",
		HistoryFile: histFile,
		Flags: func(f *grumble.Flags) {
			f.String("c", "config", "config.json", "path to configuration file")
			f.Bool("d", "debug", false, "enable debug logging")
		},
	})

	app.SetPrintASCIILogo(func(a *grumble.App) {
		fmt.Print(banner)
	})

	// Initialize configuration when the app starts
	app.OnInit(func(a *grumble.App, flags grumble.FlagMap) error {
		if flags.Bool("debug") {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}

		var err error
		config, err = LoadConfig(flags.String("config"))
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		return nil
	})

	return app
}
