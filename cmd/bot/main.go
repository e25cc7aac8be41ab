package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"mailprice-go/internal/config"
	"mailprice-go/internal/excel"
	"mailprice-go/internal/imapmail"
	"mailprice-go/internal/lmstudio"
	"mailprice-go/internal/logger"
	"mailprice-go/internal/processor"
	"mailprice-go/internal/stats"
)

func main() {
	_ = godotenv.Load() // loads .env

	log := logger.New()
	log.WithField("service", "mailprice-go").Info("starting run")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	log.SetLevel(cfg.Logging.Level)

	// secrets never live in config.yaml
	if pw := os.Getenv("IMAP_PASSWORD"); pw != "" {
		cfg.IMAP.Password = pw
	}

	st := stats.New()

	client, err := lmstudio.NewClient(cfg.LMStudio, st, log.Entry)
	if err != nil {
		log.WithError(err).Fatal("failed to build lm studio client")
	}
	log.WithField("client", client.String()).Info("lm studio client ready")

	sheet := excel.NewManager(cfg.Excel, st, log.Entry)
	if err := sheet.Load(); err != nil {
		log.WithError(err).Fatal("failed to load workbook")
	}
	sheet.CheckStructure()

	mail, err := imapmail.NewHandler(cfg.IMAP, st, log.Entry)
	if err != nil {
		log.WithError(err).Fatal("failed to build imap handler")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := mail.Connect(ctx); err != nil {
		log.WithError(err).Fatal("failed to connect to imap server")
	}
	defer mail.Close()

	proc := processor.New(mail, sheet, client, st, log.Entry)
	res, err := proc.Run(ctx)
	if err != nil {
		log.WithError(err).Error("processing aborted")
	}

	if err := sheet.Save(); err != nil {
		log.WithError(err).Error("failed to save workbook")
	}

	log.WithField("result", res).Info("run finished")
	st.LogSummary(log.Entry)

	if err != nil {
		os.Exit(1)
	}
}
