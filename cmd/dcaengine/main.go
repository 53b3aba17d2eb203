package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	dcaengine "github.com/ChoSanghyuk/dcaengine"
	"github.com/ChoSanghyuk/dcaengine/configs"
	"github.com/ChoSanghyuk/dcaengine/internal/db"
	"github.com/ChoSanghyuk/dcaengine/internal/eventbus"
	"github.com/ChoSanghyuk/dcaengine/internal/logging"
	"github.com/ChoSanghyuk/dcaengine/pkg/collaborators"
)

func main() {
	conf, err := configs.LoadConfig("configs/config.yml")
	if err != nil {
		panic(err)
	}

	log := logging.GetDefault().Component("main")

	// The RPC client is dialed here so a real Custody/TradeExecutor implementation (reading
	// token balances, sending signed approvals, routing through an on-chain aggregator) can be
	// wired in without restructuring main — those collaborators stay external to the core per
	// spec.md §6, and this binary runs against in-memory fakes until they are supplied.
	if conf.RPC != "" {
		if _, err := ethclient.Dial(conf.RPC); err != nil {
			log.Warn("rpc dial failed, continuing without it", "error", err)
		}
	}

	dsn := os.Getenv("MYSQL_DSN")
	var recorder db.Recorder
	if dsn != "" {
		r, err := db.NewMySQLRecorder(dsn)
		if err != nil {
			panic(err)
		}
		defer r.Close()
		recorder = r
	}

	reg, err := conf.ToIntervalRegistry()
	if err != nil {
		panic(err)
	}
	cfgReader, err := conf.ToConfigReader(reg)
	if err != nil {
		panic(err)
	}

	custody := collaborators.NewInMemoryCustody()
	executor := &collaborators.FixedTradeExecutor{Delivered: bigZero()}

	hub := eventbus.NewHub()
	stop := make(chan struct{})
	go hub.Run(stop)
	defer close(stop)

	opts := []dcaengine.Option{dcaengine.WithEventHub(hub)}
	if recorder != nil {
		opts = append(opts, dcaengine.WithRecorder(recorder))
	}
	engine := dcaengine.New(reg, custody, executor, cfgReader, opts...)
	if recorder != nil {
		if err := engine.Restore(); err != nil {
			panic(err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	srv := &http.Server{Addr: ":8081", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped", "error", err)
		}
	}()

	rewardRecipient := common.HexToAddress(os.Getenv("OPERATOR_ADDRESS"))
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		for _, pair := range swapPairs(cfgReader) {
			item := dcaengine.SwapBatchItem{From: pair.From, To: pair.To}
			if err := engine.Swap(context.Background(), []dcaengine.SwapBatchItem{item}, rewardRecipient); err != nil {
				log.Warn("swap skipped", "from", pair.From, "to", pair.To, "error", err)
			}
		}
	}

	fmt.Println("dcaengine exiting")
}

func bigZero() *big.Int { return big.NewInt(0) }

func swapPairs(cfgReader *collaborators.InMemoryConfigReader) []dcaengine.PairRequest {
	var pairs []dcaengine.PairRequest
	for from := range cfgReader.Tokens {
		for to := range cfgReader.Tokens {
			if from == to {
				continue
			}
			pairs = append(pairs, dcaengine.PairRequest{From: from, To: to})
		}
	}
	return pairs
}
