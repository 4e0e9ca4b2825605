package app

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"time"

	"stackchan/internal/avatar"
	"stackchan/internal/ble"
	"stackchan/internal/buttons"
	"stackchan/internal/config"
	"stackchan/internal/connectivity"
	db "stackchan/internal/db"
	"stackchan/internal/db/migrate"
	"stackchan/internal/dispatch"
	httpapi "stackchan/internal/httpapi"
	"stackchan/internal/journal"
	"stackchan/internal/loop"
	"stackchan/internal/mqtt"
	"stackchan/internal/phrases"
	"stackchan/internal/sysinfo"
	"stackchan/internal/views"
)

const shutdownTimeout = 10 * time.Second

func Run(ctx context.Context, cfg config.Config) error {
	slog.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"connectionMode", cfg.ConnectionMode,
		"deviceID", cfg.DeviceID,
		"bleDeviceName", cfg.BLEDeviceName,
		"bleServiceUUID", cfg.BLEServiceUUID,
		"renderer", cfg.Renderer,
		"speechTimeout", cfg.SpeechTimeout,
		"renderInterval", cfg.RenderInterval,
		"loopInterval", cfg.LoopInterval,
		"idlePhrasesFile", cfg.IdlePhrasesFile,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttTopicPrefix", cfg.MQTTTopicPrefix,
		"dbDriver", cfg.Driver,
		"sqlitePath", cfg.Path,
	)

	dbConn, err := db.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(dbConn); closeErr != nil {
			slog.Error("db close", "error", closeErr)
		}
	}()

	if err := migrate.Run(ctx, dbConn); err != nil {
		return err
	}

	var ok int
	if err := dbConn.QueryRowContext(ctx, `SELECT 1`).Scan(&ok); err != nil {
		return err
	}
	if ok != 1 {
		return errors.New("database connection failed")
	}
	slog.Info("database connection successful")

	if err := views.LoadTemplates(); err != nil {
		return err
	}

	// Background workers get their own context so they outlive ctx long
	// enough to flush during shutdown.
	workCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	var workers sync.WaitGroup
	defer func() {
		stopWorkers()
		workers.Wait()
	}()

	repo := journal.NewRepository(dbConn)
	recorder := journal.NewRecorder(repo, slog.Default())
	workers.Add(1)
	go func() {
		defer workers.Done()
		recorder.Run(workCtx)
	}()

	canvas, closeDisplay := newCanvas(cfg)
	defer closeDisplay()

	var dispatcher *dispatch.Dispatcher
	links := connectivity.NewManager(connectivity.Options{
		BLEName:   cfg.BLEDeviceName,
		Announcer: connectivity.AnnouncerFunc(func(text string) { dispatcher.Announce(text) }),
		HostIP:    sysinfo.HostIP,
		Logger:    slog.Default(),
	})
	dispatcher = dispatch.New(dispatch.Options{
		DefaultMessage: cfg.DefaultMessage,
		SpeechTimeout:  cfg.SpeechTimeout,
		Renderer:       canvas,
		Links:          links,
		Memory:         sysinfo.NewMemory(),
		Journal:        recorder,
		Logger:         slog.Default(),
	})
	if err := dispatcher.Init(); err != nil {
		slog.Warn("avatar init failed, running degraded", "error", err)
	}

	dispatcher.SetIdlePhrases(loadPhrases(cfg.IdlePhrasesFile))
	if cfg.IdlePhrasesFile != "" {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := phrases.Watch(workCtx, cfg.IdlePhrasesFile, dispatcher.SetIdlePhrases); err != nil {
				slog.Warn("idle phrases watch disabled", "error", err)
			}
		}()
	}

	hub := httpapi.NewHub(dispatcher.Snapshot)
	dispatcher.AddObserver(hub)
	defer hub.Close()

	mux := httpapi.NewMux(httpapi.Deps{
		Dispatcher: dispatcher,
		DB:         dbConn,
		Frames:     canvas,
		History:    repo,
		Hub:        hub,
	})
	wifi := httpapi.NewTransport(cfg.HTTPAddr, mux)

	peripheral := ble.NewPeripheral(ble.PeripheralConfig{
		Adapter:            cfg.BLEAdapter,
		LocalName:          cfg.BLEDeviceName,
		ServiceUUID:        cfg.BLEServiceUUID,
		CharacteristicUUID: cfg.BLECharacteristicUUID,
		OnConnect:          links.SetBLEConnected,
	})
	bleTransport := ble.NewTransport(peripheral, dispatcher, cfg.BLEQueueSize)
	links.SetTransports(wifi, bleTransport)

	if cfg.MQTTBroker != "" {
		bridge := mqtt.NewBridge(cfg, dispatcher, slog.Default())
		dispatcher.AddObserver(bridge)
		defer func() {
			slog.Info("mqtt disconnecting")
			bridge.Disconnect()
		}()

		// Short timeout so a missing broker does not hold up startup. The
		// client keeps retrying in the background.
		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		err = bridge.Connect(connectCtx)
		connectCancel()
		if err != nil {
			slog.Warn("mqtt connection failed (continuing, will retry)", "error", err)
		}
	}

	btns, err := buttons.Open(cfg.ButtonAPin, cfg.ButtonBPin, cfg.ButtonCPin)
	if err != nil {
		slog.Warn("buttons unavailable", "error", err)
	}
	var buttonSource loop.ButtonSource
	if btns != nil {
		buttonSource = btns
		workers.Add(1)
		go func() {
			defer workers.Done()
			btns.Run(workCtx)
		}()
	}

	if err := links.Start(ctx, cfg.ConnectionMode); err != nil {
		slog.Warn("no transport available", "mode", cfg.ConnectionMode, "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		slog.Info("transports shutting down")
		if err := links.Stop(shutdownCtx); err != nil {
			slog.Error("transport stop", "error", err)
		}
	}()

	mainLoop := loop.New(loop.Options{
		Interval:          cfg.LoopInterval,
		RenderInterval:    cfg.RenderInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Target:            dispatcher,
		BLE:               bleTransport,
		Buttons:           buttonSource,
		Links:             links,
		Logger:            slog.Default(),
	})
	if err := mainLoop.Run(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

func loadPhrases(path string) []string {
	if path == "" {
		return phrases.Default
	}
	list, err := phrases.Load(path)
	if err != nil {
		slog.Warn("idle phrases file unreadable, using defaults", "path", path, "error", err)
		return phrases.Default
	}
	return list
}

// newCanvas builds the avatar renderer. A panel that cannot be opened is kept
// as a failing sink so the dispatcher starts in degraded mode.
func newCanvas(cfg config.Config) (*avatar.Canvas, func()) {
	if cfg.Renderer != "ssd1306" {
		return avatar.NewCanvas(nil), func() {}
	}
	panel, err := avatar.OpenPanel(cfg.DisplayI2CBus)
	if err != nil {
		return avatar.NewCanvas(unavailableDisplay{err: err}), func() {}
	}
	return avatar.NewCanvas(panel), func() {
		if err := panel.Close(); err != nil {
			slog.Error("display close", "error", err)
		}
	}
}

type unavailableDisplay struct{ err error }

func (u unavailableDisplay) Show(image.Image) error { return u.err }
