package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/installer"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/ipc"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/sign"
	"github.com/netbirdio/selfupdate/util"
)

var installerCmd = &cobra.Command{
	Use:   "installer",
	Short: "Manages the privileged installer service",
}

var (
	serviceName         string
	tempDir             string
	resultDirFlag       string
	managedBundles      []string
	artifactPubKeyFile  string
	pgpKeyringFile      string
	relaunchExecutable  string
	hostExitTimeout     time.Duration
	backgroundTransfers bool
	metricsAddr         string
)

type program struct {
	ctx     context.Context
	cancel  context.CancelFunc
	server  *ipc.Server
	service *installer.Service
	metrics *http.Server
}

func init() {
	defaultServiceName := "selfupdate-installer"
	if runtime.GOOS == "windows" {
		defaultServiceName = "SelfUpdateInstaller"
	}

	installerCmd.PersistentFlags().StringVarP(&serviceName, "service", "s", defaultServiceName, "installer system service name")
	installerCmd.PersistentFlags().StringVar(&tempDir, "temp-dir", installer.DefaultTempDir(), "scratch directory for downloads and staged bundles")
	installerCmd.PersistentFlags().StringVar(&resultDirFlag, "result-dir", "", "directory receiving the install result, the temp dir when empty")
	installerCmd.PersistentFlags().StringSliceVar(&managedBundles, "managed-bundle", nil, "application bundle the installer may replace, repeat for more than one")
	installerCmd.PersistentFlags().StringVar(&artifactPubKeyFile, "artifact-pub-key-file", "", "PEM bundle of the ed25519 keys that sign update artifacts")
	installerCmd.PersistentFlags().StringVar(&pgpKeyringFile, "pgp-keyring", "", "armored OpenPGP keyring verifying pgp signed artifacts")
	installerCmd.PersistentFlags().StringVar(&relaunchExecutable, "relaunch-executable", "", "program started after an install, relative to the bundle root")
	installerCmd.PersistentFlags().DurationVar(&hostExitTimeout, "host-exit-timeout", 30*time.Second, "how long to wait for the application to quit before relaunching it")
	installerCmd.PersistentFlags().BoolVar(&backgroundTransfers, "background-transfers", false, "let transfers outlive the session that requested them")
	installerCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, disabled when empty")
}

func newProgram(ctx context.Context, cancel context.CancelFunc) *program {
	return &program{ctx: ctx, cancel: cancel}
}

func newSVCConfig() *service.Config {
	config := &service.Config{
		Name:        serviceName,
		DisplayName: "Self Update Installer",
		Description: "Downloads, verifies and installs application updates",
		Option:      make(service.KeyValue),
		EnvVars:     make(map[string]string),
	}

	if runtime.GOOS == "linux" {
		config.EnvVars["SYSTEMD_UNIT"] = serviceName
	}
	return config
}

func newSVC(prg *program, conf *service.Config) (service.Service, error) {
	return service.New(prg, conf)
}

// buildServiceArguments repeats the installer flags for the service definition
func buildServiceArguments() []string {
	args := []string{
		"installer",
		"run",
		"--log-level",
		logLevel,
		"--log-file",
		serviceLogFile(),
		"--socket",
		socketPath,
		"--service",
		serviceName,
		"--temp-dir",
		tempDir,
		"--host-exit-timeout",
		hostExitTimeout.String(),
	}

	if resultDirFlag != "" {
		args = append(args, "--result-dir", resultDirFlag)
	}
	for _, bundle := range managedBundles {
		args = append(args, "--managed-bundle", bundle)
	}
	if artifactPubKeyFile != "" {
		args = append(args, "--artifact-pub-key-file", artifactPubKeyFile)
	}
	if pgpKeyringFile != "" {
		args = append(args, "--pgp-keyring", pgpKeyringFile)
	}
	if relaunchExecutable != "" {
		args = append(args, "--relaunch-executable", relaunchExecutable)
	}
	if backgroundTransfers {
		args = append(args, "--background-transfers")
	}
	if metricsAddr != "" {
		args = append(args, "--metrics-addr", metricsAddr)
	}
	return args
}

// serviceLogFile is the log path of the installed service, which has no console
func serviceLogFile() string {
	if logFile == "" || logFile == "console" {
		return defaultLogFile
	}
	return logFile
}

func configurePlatformSpecificSettings(svcConfig *service.Config) {
	if runtime.GOOS == "linux" {
		// Respected only by systemd systems
		svcConfig.Dependencies = []string{"After=network.target"}

		dir := filepath.Dir(serviceLogFile())
		if err := os.MkdirAll(dir, 0750); err == nil {
			svcConfig.Option["LogOutput"] = true
			svcConfig.Option["LogDirectory"] = dir
		}
	}

	if runtime.GOOS == "windows" {
		svcConfig.Option["OnFailure"] = "restart"
	}
}

// newInstallerConfig loads the verification keys named by the flags
func newInstallerConfig(registerer prometheus.Registerer) (installer.Config, error) {
	cfg := installer.Config{
		TempDir:             tempDir,
		ResultDir:           resultDirFlag,
		BundlePaths:         managedBundles,
		RelaunchExecutable:  relaunchExecutable,
		HostExitTimeout:     hostExitTimeout,
		BackgroundTransfers: backgroundTransfers,
		Registerer:          registerer,
	}

	if artifactPubKeyFile != "" {
		keys, err := sign.LoadPublicKeys(artifactPubKeyFile)
		if err != nil {
			return cfg, fmt.Errorf("load artifact keys: %w", err)
		}
		cfg.ArtifactKeys = keys
	}
	if pgpKeyringFile != "" {
		keyring, err := sign.LoadKeyring(pgpKeyringFile)
		if err != nil {
			return cfg, fmt.Errorf("load pgp keyring: %w", err)
		}
		cfg.Keyring = keyring
	}
	if len(cfg.BundlePaths) == 0 {
		return cfg, errors.New("no managed bundle configured, pass --managed-bundle")
	}
	if len(cfg.ArtifactKeys) == 0 && len(cfg.Keyring) == 0 {
		return cfg, errors.New("no verification keys configured, pass --artifact-pub-key-file or --pgp-keyring")
	}
	return cfg, nil
}

func (p *program) Start(s service.Service) error {
	// Start should not block. Do the actual work async.
	log.Info("starting installer service") //nolint

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cfg, err := newInstallerConfig(registry)
	if err != nil {
		return err
	}
	resultDir := cfg.ResultDir
	if resultDir == "" {
		resultDir = cfg.TempDir
	}
	if err := os.MkdirAll(resultDir, 0o755); err != nil {
		return fmt.Errorf("create result dir: %w", err)
	}
	// the host reads the install result without privileges
	if err := util.EnforcePermission(filepath.Join(resultDir, "result.json")); err != nil {
		log.Errorf("failed to restrict access to %s: %v", resultDir, err)
	}

	p.service = installer.NewService(cfg)
	p.server, err = ipc.Listen(socketPath, p.service)
	if err != nil {
		return err
	}

	go func() {
		if err := p.server.Serve(); err != nil {
			log.Errorf("installer server stopped: %v", err)
			p.cancel()
		}
	}()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
		p.metrics = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := p.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics server stopped: %v", err)
			}
		}()
		log.Infof("serving metrics on %s/metrics", metricsAddr)
	}
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.cancel()

	if p.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.metrics.Shutdown(ctx); err != nil {
			log.Warnf("failed to stop metrics server: %v", err)
		}
	}
	if p.server != nil {
		p.server.Stop()
	}
	if p.service != nil {
		p.service.Wait()
	}

	log.Info("stopped installer service") //nolint
	return nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "runs the installer service in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		s, err := newSVC(newProgram(ctx, cancel), newSVCConfig())
		if err != nil {
			return err
		}
		return s.Run()
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "installs the installer service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !util.IsAdmin() {
			return errors.New("installing the service requires administrator privileges")
		}
		// fail before the service is registered with keys it cannot load
		if _, err := newInstallerConfig(nil); err != nil {
			return err
		}

		svcConfig := newSVCConfig()
		svcConfig.Arguments = buildServiceArguments()
		configurePlatformSpecificSettings(svcConfig)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		s, err := newSVC(newProgram(ctx, cancel), svcConfig)
		if err != nil {
			return err
		}
		if err := s.Install(); err != nil {
			return fmt.Errorf("install service: %w", err)
		}

		cmd.Println("installer service has been installed")
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "uninstalls the installer service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlService(cmd, "uninstall", "installer service has been uninstalled")
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "starts the installer service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlService(cmd, "start", "installer service has been started")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "stops the installer service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlService(cmd, "stop", "installer service has been stopped")
	},
}

func controlService(cmd *cobra.Command, action, done string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	s, err := newSVC(newProgram(ctx, cancel), newSVCConfig())
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}

	cmd.Println(done)
	return nil
}
