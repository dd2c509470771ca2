// Command zino runs the monitoring daemon: it loads a pollfile and a TOML
// configuration file, then serves the command and notify ports until
// interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sikt-no/zino/internal/app"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		polldevsPath string
		configFile   string
		debug        bool
		stopIn       int
		trapPort     int
		switchUser   string
		showVersion  bool
	)

	root := &cobra.Command{
		Use:           "zino",
		Short:         "Zino is not OpenView",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Flags().StringVar(&polldevsPath, "polldevs", "", "Path to the pollfile")
	root.Flags().StringVar(&configFile, "config-file", "zino.toml", "Path to zino configuration file")
	root.Flags().BoolVar(&debug, "debug", false, "Set global log level to debug")
	root.Flags().IntVar(&stopIn, "stop-in", 0, "Stop zino after N seconds")
	root.Flags().IntVar(&trapPort, "trap-port", 0, "UDP port to listen for traps on, overrides the config file")
	root.Flags().StringVar(&switchUser, "user", "", "Switch to this user immediately after binding to privileged ports")
	root.Flags().BoolVar(&showVersion, "version", false, "Print version and exit")

	exitCode := 0
	root.RunE = func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Printf("zino %s\n", version)
			return nil
		}

		a, err := app.New(configFile, polldevsPath, debug)
		if err != nil {
			exitCode = 1
			return fmt.Errorf("configuration error: %w", err)
		}
		if trapPort != 0 {
			a.SetTrapPort(trapPort)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		if stopIn > 0 {
			go func() {
				select {
				case <-time.After(time.Duration(stopIn) * time.Second):
					cancel()
				case <-ctx.Done():
				}
			}()
		}

		if err := a.BindListeners(ctx); err != nil {
			exitCode = 2
			return fmt.Errorf("bind error: %w", err)
		}

		if switchUser != "" {
			if err := dropPrivileges(switchUser); err != nil {
				a.Release()
				exitCode = 2
				return fmt.Errorf("could not switch to user %s: %w", switchUser, err)
			}
		}

		runErr := a.Run(ctx)
		a.Release()
		if runErr != nil {
			exitCode = 2
			return fmt.Errorf("runtime error: %w", runErr)
		}
		return nil
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "zino: %v\n", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	return exitCode
}

// dropPrivileges switches the running process to username, mirroring the
// original daemon's behaviour of binding privileged ports as root and then
// giving them up before serving any traffic.
func dropPrivileges(username string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return err
	}
	if os.Getuid() == uid {
		return nil
	}
	if groups, err := u.GroupIds(); err == nil {
		gids := make([]int, 0, len(groups))
		for _, g := range groups {
			if n, err := strconv.Atoi(g); err == nil {
				gids = append(gids, n)
			}
		}
		_ = syscall.Setgroups(gids)
	}
	if err := syscall.Setgid(gid); err != nil {
		return err
	}
	return syscall.Setuid(uid)
}
