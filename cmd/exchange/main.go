package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"exchange/internal/api"
	"exchange/internal/config"
	"exchange/internal/engine"
	"exchange/internal/funds"
	"exchange/internal/market"
	"exchange/internal/settle"
	"exchange/internal/store"
)

func defaultMarkets() *market.Registry {
	return market.NewRegistry(
		&market.Market{
			ID: "btcusd", Base: "btc", Quote: "usd",
			PricePrecision: 2, VolumePrecision: 8,
			MinVolume: decimal.RequireFromString("0.0001"),
		},
		&market.Market{
			ID: "ethusd", Base: "eth", Quote: "usd",
			PricePrecision: 2, VolumePrecision: 8,
			MinVolume: decimal.RequireFromString("0.001"),
		},
		&market.Market{
			ID: "ethbtc", Base: "eth", Quote: "btc",
			PricePrecision: 6, VolumePrecision: 8,
			MinVolume: decimal.RequireFromString("0.001"),
		},
	)
}

func defaultCurrencies() *funds.Registry {
	return funds.NewRegistry(
		&funds.Currency{
			Code: "btc", MinConfirmations: 2, AddressPrefix: "1",
			Fee: funds.FlatFee(decimal.RequireFromString("0.0005")),
		},
		&funds.Currency{
			Code: "eth", MinConfirmations: 12, AddressPrefix: "0x",
			Fee: funds.FlatFee(decimal.RequireFromString("0.005")),
		},
		&funds.Currency{
			Code: "usd", MinConfirmations: 1, AddressPrefix: "F",
			Fee: funds.RateFee(decimal.RequireFromString("0.001"), decimal.NewFromInt(1)),
		},
	)
}

func main() {
	cfg := config.Load()

	st, err := store.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	markets := defaultMarkets()
	coordinator := settle.New(st)

	engines := make(map[string]*engine.Engine)
	for _, m := range markets.All() {
		engines[m.ID] = engine.New(m, coordinator, st)
	}

	processor := funds.NewProcessor(st, defaultCurrencies(), funds.NewSimChain(), cfg.PollInterval)

	server := api.NewServer(markets, engines, st, processor)
	server.SetLimits(cfg.DepthLimit, cfg.TradeLimit)
	if len(cfg.CORSOrigins) > 0 {
		server.SetCORSOrigins(cfg.CORSOrigins)
		log.Printf("CORS restricted to: %v", cfg.CORSOrigins)
	}

	for _, e := range engines {
		e.Start()
	}
	processor.Start()

	addr := ":" + cfg.Port
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("Starting exchange server on http://localhost%s", addr)
		log.Printf("Markets: %d, database: %s", len(engines), cfg.DBPath)

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	processor.Stop()
	log.Println("Funds processor stopped")

	for _, e := range engines {
		e.Stop()
	}
	log.Println("Matching engines stopped")

	server.Shutdown()
	log.Println("Server internal goroutines stopped")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("HTTP server stopped")

	if err := st.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}
	log.Println("Database closed")

	log.Println("Server shutdown complete")
}
