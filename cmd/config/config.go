package config

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ed25519"

	"github.com/sidkik/vaultsync/cmd/util"
	"github.com/sidkik/vaultsync/pkg/config"
	"github.com/sidkik/vaultsync/pkg/errors"
)

// defaultKeyPath is where the client's signing key is generated when the
// user config doesn't point to one yet.
const defaultKeyPath = "~/.vaultsync/client.key"

// Mocked for unit testing.
var (
	stdout          io.Writer = os.Stdout
	stdin           io.Reader = os.Stdin
	guessDefaults             = guessDefaultsImpl
	parseUserConfig           = config.ParseUser
	writeUserConfig           = config.WriteUser
	getCurrentUser            = user.Current
	expandPath                = homedir.Expand
	stat                      = os.Stat
	generateKey               = config.GenerateKey
	loadPrivateKey            = config.LoadPrivateKey
	newClientID               = uuid.NewString
)

type options struct {
	config.User
	newKey bool
}

// New creates a new `config` command.
func New() *cobra.Command {
	var cliOpts options
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Setup the vaultsync user configuration",
		Long: "Setup the vaultsync user configuration. The first run generates\n" +
			"the client's id and signing key, which must be registered with\n" +
			"the storage server.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := SetupConfig(cliOpts); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&cliOpts.Server, "server", "",
		"Set the address of the storage server, as host:port. "+
			"Optional: If not set, `vaultsync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.Username, "username", "",
		"Set the account name. "+
			"Optional: If not set, `vaultsync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.Warebox, "warebox", "",
		"Set the folder to keep in sync. "+
			"Optional: If not set, `vaultsync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.BlobURL, "blob-url", "",
		"Set the base URL that file contents are transferred through.")
	cmd.Flags().BoolVar(&cliOpts.newKey, "new-key", false,
		"Generate a new signing key even if one is already configured.")

	// Setup the commands for querying the contents of the user config.
	type getterSpec struct {
		use, short string
		fn         func(config.User) (string, error)
	}

	getters := []getterSpec{
		{
			use:   "get-server",
			short: "Get the address of the configured storage server",
			fn:    func(cfg config.User) (string, error) { return cfg.Server, nil },
		},
		{
			use:   "get-client-id",
			short: "Get the id that this client authenticates with",
			fn:    func(cfg config.User) (string, error) { return cfg.ClientID, nil },
		},
		{
			use:   "get-public-key",
			short: "Get the public key to register with the storage server",
			fn:    publicKey,
		},
	}
	for _, getter := range getters {
		getter := getter
		cmd.AddCommand(&cobra.Command{
			Use:   getter.use,
			Short: getter.short,
			Run: func(_ *cobra.Command, _ []string) {
				cfg, err := parseUserConfig()
				if err != nil {
					err = errors.WithContext(err, "read config")
					util.HandleFatalError(err)
				}

				value, err := getter.fn(cfg)
				if err != nil {
					util.HandleFatalError(err)
				}
				fmt.Fprintln(stdout, value)
			},
		})
	}

	return cmd
}

func publicKey(cfg config.User) (string, error) {
	key, err := loadPrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		return "", errors.WithContext(err, "load private key")
	}
	return hex.EncodeToString(key.Public().(ed25519.PublicKey)), nil
}

// SetupConfig prompts for the fields that weren't set on the command line,
// and writes the resulting config.
func SetupConfig(cliOpts options) error {
	cfg, err := generateConfig(cliOpts)
	if err != nil {
		return errors.WithContext(err, "generate config")
	}

	if err := writeUserConfig(cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	path, err := config.GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "get user config path")
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}

func serverValidationFn(addr string) (string, bool) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return "The server address must have the form host:port, " +
			"such as vault.example.com:4443.", false
	}

	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return fmt.Sprintf("%q isn't a valid port.", port), false
	}
	return "", true
}

func usernameValidationFn(name string) (string, bool) {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, " \t/") {
		return "The username can't be empty, or contain spaces or slashes.", false
	}
	return "", true
}

func wareboxValidationFn(path string) (string, bool) {
	if strings.HasPrefix(path, "~") || filepath.IsAbs(path) {
		return "", true
	}
	return "Please enter an absolute path, or a path starting with `~`.", false
}

type prompt struct {
	helpString, prompt, defaultAnswer, currAnswer string
	field                                         *string
	validationFn                                  func(string) (string, bool)
}

// generateConfig interacts with the user to decide what the user's desired
// configuration is.
// It makes best guesses at reasonable defaults, and allows users to explicitly
// override them if desired. The client's identity is kept from the current
// config when there is one.
func generateConfig(cliOpts options) (config.User, error) {
	defaults := guessDefaults()
	currConfig, err := parseUserConfig()
	if err != nil {
		currConfig = config.User{}
		log.WithError(err).Debug("Failed to read current config")
	}

	cfg := cliOpts.User
	var prompts []prompt
	if cfg.Server == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the address of the storage server.\n" +
				"It's the host:port that the server's sync protocol listens on.",
			prompt:        "Storage server",
			defaultAnswer: defaults.Server,
			currAnswer:    currConfig.Server,
			field:         &cfg.Server,
			validationFn:  serverValidationFn,
		})
	}

	if cfg.Username == "" {
		prompts = append(prompts, prompt{
			helpString:    "Enter the name of your account on the storage server.",
			prompt:        "Username",
			defaultAnswer: defaults.Username,
			currAnswer:    currConfig.Username,
			field:         &cfg.Username,
			validationFn:  usernameValidationFn,
		})
	}

	if cfg.Warebox == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the path to the folder to keep in sync.\n" +
				"Files that are already in it are uploaded once you accept " +
				"the first sync.",
			prompt:        "Synchronized folder",
			defaultAnswer: defaults.Warebox,
			currAnswer:    currConfig.Warebox,
			field:         &cfg.Warebox,
			validationFn:  wareboxValidationFn,
		})
	}

	for _, prompt := range prompts {
		var resp string
		for {
			resp, err = promptUser(prompt.helpString, prompt.prompt,
				prompt.defaultAnswer, prompt.currAnswer)
			if err != nil {
				return config.User{}, errors.WithContext(err, "read response")
			}

			if prompt.validationFn == nil {
				break
			}

			validationErr, ok := prompt.validationFn(resp)
			if ok {
				break
			}

			fmt.Fprintln(stdout, validationErr)
		}

		*prompt.field = resp
	}

	if cfg.BlobURL == "" {
		cfg.BlobURL = currConfig.BlobURL
	}

	cfg.ClientID = currConfig.ClientID
	if cfg.ClientID == "" {
		cfg.ClientID = newClientID()
	}

	cfg.PrivateKeyPath = currConfig.PrivateKeyPath
	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = defaultKeyPath
	}
	if err := ensureKey(cfg.PrivateKeyPath, cliOpts.newKey); err != nil {
		return config.User{}, errors.WithContext(err, "create key")
	}
	return cfg, nil
}

// ensureKey generates a signing key at `path` unless one already exists.
func ensureKey(path string, force bool) error {
	expanded, err := expandPath(path)
	if err != nil {
		return errors.WithContext(err, "expand path")
	}

	if !force {
		_, err := stat(expanded)
		if err == nil {
			return nil
		}
		if !os.IsNotExist(err) {
			return errors.WithContext(err, "stat")
		}
	}

	pub, err := generateKey(expanded)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Generated a new key at %s.\n"+
		"Register this client with the storage server using its public key:\n"+
		"\t%s\n\n", path, hex.EncodeToString(pub))
	return nil
}

// guessDefaults tries to guess reasonable defaults for the fields in the user
// config.
func guessDefaultsImpl() (cfg config.User) {
	if user, err := getCurrentUser(); err == nil {
		cfg.Username = user.Username
	} else {
		log.WithError(err).Info("Failed to guess username")
	}

	if home, err := expandPath("~"); err == nil {
		cfg.Warebox = filepath.Join(home, "Vault")
	} else {
		log.WithError(err).Info("Failed to guess synchronized folder")
	}
	return cfg
}

func promptUser(helpString, prompt, defaultAnswer, currAnswer string) (string, error) {
	// Display a new line at the end to separate different fields to make it
	// look clearer.
	defer fmt.Fprintln(stdout)

	options := []string{}
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}
	options = append(options, "(Enter manually)")

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	stdinReader := bufio.NewReader(stdin)

	if nOptions := len(options); nOptions > 1 {
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nOptions)
			choiceStr, err := stdinReader.ReadString('\n')
			if err != nil {
				return "", err
			}

			var choice int
			choiceStr = strings.TrimSpace(choiceStr)

			// Default to the first choice if user doesn't enter anything.
			if choiceStr == "" {
				choice = 1
			} else {
				choice, err = strconv.Atoi(choiceStr)
				if err != nil || choice < 1 || choice > nOptions {
					continue
				}
			}

			if choice == nOptions {
				break
			}
			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp), nil
}
