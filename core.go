package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	// 0. Recover from panics (LogFatal uses panic to ensure defers run)
	defer func() {
		if r := recover(); r != nil {
			if msg, ok := r.(string); ok {
				fmt.Fprintf(os.Stderr, "\n[FATAL] %s\n", msg)
				os.Exit(1)
			}
			panic(r)
		}
	}()

	silent := flag.Bool("silent", false, "Disable all log output")
	skipReg := flag.Bool("skip-reg", false, "Skip command registration")
	flag.Parse()

	// 1. Initialize Logger (handle flags)
	InitLogger(*silent, true)

	// 2. Load configuration
	cfg, err := LoadConfig()
	if err != nil {
		LogFatal("Failed to load config: %v", err)
	}

	LogInfo("Starting %s...", ProjectName)

	// 3. Single-instance lock via PID file
	f, err := os.OpenFile(".bot.pid", os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		LogFatal("Failed to open PID file: %v", err)
	}
	defer f.Close()

	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if err != syscall.EWOULDBLOCK {
			LogFatal("Failed to lock PID file: %v", err)
		}

		// Lock is held by another process. Read the PID and kill it.
		var oldPid int
		_, _ = f.Seek(0, 0)
		if _, scanErr := fmt.Fscanf(f, "%d", &oldPid); scanErr != nil {
			time.Sleep(100 * time.Millisecond)
			_ = f.Close()
			f, _ = os.OpenFile(".bot.pid", os.O_RDWR|os.O_CREATE, 0644)
			continue
		}
		if oldPid == os.Getpid() {
			break
		}
		process, procErr := os.FindProcess(oldPid)
		if procErr != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		LogInfo("Killing running instance... (PID: %d)", oldPid)
		_ = process.Signal(syscall.SIGTERM)
		for i := 0; i < 50; i++ {
			if err := process.Signal(syscall.Signal(0)); err != nil {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		LogInfo("Old instance terminated.")
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d", os.Getpid())
	_ = f.Sync()

	defer func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = os.Remove(".bot.pid")
	}()

	// 4. Run bot (blocks until shutdown signal)
	if err := run(cfg, *silent, *skipReg); err != nil {
		LogFatal("Error: %v", err)
	}
}

func run(cfg *Config, silent bool, skipReg bool) error {
	// 1. Setup global context that responds to shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	SetAppContext(ctx)

	// 2. Initialize database
	if err := InitDatabase(ctx, cfg.DatabasePath); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer CloseDatabase()

	// 3. Create disgo client
	client, err := CreateClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create Discord client: %w", err)
	}
	defer client.Close(ctx)

	// 4. Command Registration
	if !skipReg {
		if err := RegisterCommands(client, cfg.GuildID); err != nil {
			LogError("Command registration failed: %v", err)
		}
	} else {
		LogInfo("Skipping command registration as requested.")
	}

	// 5. Connect to Gateway
	if err := client.OpenGateway(ctx); err != nil {
		return fmt.Errorf("failed to open gateway: %w", err)
	}

	<-ctx.Done()
	if !silent {
		fmt.Println()
	}

	// Graceful Shutdown
	LogInfo("Shutting down all daemons...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	GetPlayerSystem().Shutdown(shutdownCtx)
	ShutdownDaemons(shutdownCtx)

	if botUser, ok := client.Caches.SelfUser(); ok {
		LogInfo("%s has shut down.", botUser.Username)
	} else {
		LogInfo("%s has shut down.", ProjectName)
	}

	return nil
}
