package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/evalphobia/logrus_sentry"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"tokensale/internal/app"
	"tokensale/internal/config"
	"tokensale/internal/hmacauth"
	"tokensale/internal/server"
)

//nolint:all
var (
	version = "dev"
	commit  = "none"
)

var (
	seedFlag = &cli.StringFlag{
		Name:  "seed",
		Usage: "path to the seed.json deployment parameters",
	}
	principalFlag = &cli.StringFlag{
		Name:     "principal",
		Usage:    "address of the signing principal",
		Required: true,
	}
	secretFlag = &cli.StringFlag{
		Name:     "secret",
		Usage:    "HMAC secret of the principal",
		EnvVars:  []string{"SALE_PRINCIPAL_SECRET"},
		Required: true,
	}
	methodFlag = &cli.StringFlag{
		Name:  "method",
		Usage: "HTTP method of the request",
		Value: http.MethodPost,
	}
	pathFlag = &cli.StringFlag{
		Name:     "path",
		Usage:    "request URI, query included",
		Required: true,
	}
	bodyFlag = &cli.StringFlag{
		Name:  "body",
		Usage: "request body",
	}
)

var (
	serveCmd = &cli.Command{
		Name:   "serve",
		Usage:  "Run the sale API",
		Flags:  []cli.Flag{seedFlag},
		Action: serveAction,
	}
	signCmd = &cli.Command{
		Name:   "sign",
		Usage:  "Print the authentication headers for a request",
		Flags:  []cli.Flag{principalFlag, secretFlag, methodFlag, pathFlag, bodyFlag},
		Action: signAction,
	}
)

func main() {
	a := cli.NewApp()
	a.Name = "tokensale"
	a.Usage = "multisig governed token sale"
	a.Version = fmt.Sprintf("%s (%s)", version, commit)
	a.Commands = append(a.Commands, serveCmd, signCmd)
	a.DefaultCommand = serveCmd.Name

	if err := a.Run(os.Args); err != nil {
		log.WithError(err).Fatal("tokensale")
	}
}

func serveAction(ctx *cli.Context) error {
	if seed := ctx.String(seedFlag.Name); seed != "" {
		if err := os.Setenv("SALE_"+config.SeedPath, seed); err != nil {
			return err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, err := log.ParseLevel(cfg.Service.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if cfg.Service.SentryDSN != "" {
		hook, err := logrus_sentry.NewSentryHook(cfg.Service.SentryDSN, []log.Level{
			log.PanicLevel, log.FatalLevel, log.ErrorLevel,
		})
		if err != nil {
			return fmt.Errorf("sentry hook: %w", err)
		}
		log.AddHook(hook)
	}

	opts, err := app.OptionsFromConfig(ctx.Context, cfg)
	if err != nil {
		return err
	}
	deployment, err := app.New(ctx.Context, opts)
	if err != nil {
		_ = opts.Store.Close()
		return err
	}
	defer deployment.Close()

	apiServer := server.NewServer(cfg, deployment)
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, os.Interrupt)
	select {
	case <-sigChan:
	case err := <-errCh:
		return err
	}

	log.Info("shutting down service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}

func signAction(ctx *cli.Context) error {
	principal := ctx.String(principalFlag.Name)
	if !common.IsHexAddress(principal) {
		return fmt.Errorf("invalid principal %q", principal)
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := hmacauth.Sign([]byte(ctx.String(secretFlag.Name)), ts,
		ctx.String(methodFlag.Name), ctx.String(pathFlag.Name), []byte(ctx.String(bodyFlag.Name)))

	fmt.Printf("%s: %s\n", hmacauth.HeaderPrincipal, common.HexToAddress(principal).Hex())
	fmt.Printf("%s: %s\n", hmacauth.HeaderTimestamp, ts)
	fmt.Printf("%s: %s\n", hmacauth.HeaderSignature, sig)
	return nil
}
