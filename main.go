package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"videoSearch/config"
	"videoSearch/core"
	"videoSearch/initialization"
	"videoSearch/processors"
	"videoSearch/server"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "serve":
		serve(cfg)
	case "index":
		if len(os.Args) < 3 {
			usage()
			os.Exit(2)
		}
		videoID := ""
		if len(os.Args) > 3 {
			videoID = os.Args[3]
		}
		if err := indexVideo(cfg, os.Args[2], videoID); err != nil {
			log.Fatalf("index failed: %v", err)
		}
	case "search":
		if len(os.Args) < 3 {
			usage()
			os.Exit(2)
		}
		topK := 5
		if len(os.Args) > 3 {
			if topK, err = strconv.Atoi(os.Args[3]); err != nil {
				log.Fatalf("top_k must be an integer: %v", err)
			}
		}
		if err := search(cfg, os.Args[2], topK); err != nil {
			log.Fatalf("search failed: %v", err)
		}
	case "help", "-h", "--help":
		usage()
	default:
		log.Printf("未知参数: %s\n", cmd)
		usage()
		os.Exit(2)
	}
}

func usage() {
	log.Println("可用参数:")
	log.Println("  serve                       - 启动 HTTP 服务（默认）")
	log.Println("  index <video> [video_id]    - 同步摄取一个视频")
	log.Println("  search <query> [top_k]      - 文本检索")
}

func serve(cfg *config.Config) {
	readiness := core.NewReadiness()
	handlers := server.NewHandlers(readiness)
	mux := http.NewServeMux()
	handlers.Register(mux)

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("Server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	// 模型和索引在后台初始化，期间 /health 返回 initializing
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	si := initialization.NewSystemInitializer(cfg, readiness)
	resultCh := make(chan *initialization.InitializationResult, 1)
	go func() {
		resultCh <- si.InitializeSystem(ctx, true)
	}()

	var result *initialization.InitializationResult
	select {
	case result = <-resultCh:
		if result.Error != nil {
			log.Printf("系统初始化失败: %v", result.Error)
			if !cfg.HasValidAPI() {
				config.PrintConfigInstructions()
			}
		} else {
			handlers.SetServices(&server.Services{
				Ingester:  result.Pipeline,
				Searcher:  result.Searcher,
				Jobs:      result.Jobs,
				Index:     result.Index,
				Processor: result.Processor,
				DataRoot:  cfg.DataRoot,
			})
		}
		<-ctx.Done()
	case <-ctx.Done():
	}

	log.Println("Shutting down services...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if result == nil {
		select {
		case result = <-resultCh:
		case <-shutdownCtx.Done():
		}
	}
	if result != nil {
		if result.Processor != nil {
			if err := result.Processor.Shutdown(shutdownCtx); err != nil {
				log.Printf("processor shutdown: %v", err)
			}
		}
		result.Close()
		if err := si.Cleanup(); err != nil {
			log.Printf("cleanup temp dir: %v", err)
		}
	}
	log.Println("All services shut down gracefully")
}

func indexVideo(cfg *config.Config, path, videoID string) error {
	ctx := context.Background()
	result := initialization.NewSystemInitializer(cfg, nil).InitializeSystem(ctx, false)
	if result.Error != nil {
		return result.Error
	}
	defer result.Close()

	if videoID == "" {
		videoID = processors.GenerateVideoID(path)
	}
	rec, err := result.Pipeline.Ingest(ctx, processors.IngestRequest{
		VideoID:  videoID,
		Path:     path,
		Metadata: map[string]any{"filename": filepath.Base(path)},
	})
	if rec != nil {
		printJSON(rec)
	}
	return err
}

func search(cfg *config.Config, query string, topK int) error {
	ctx := context.Background()
	result := initialization.NewSystemInitializer(cfg, nil).InitializeSystem(ctx, false)
	if result.Error != nil {
		return result.Error
	}
	defer result.Close()
	printJSON(result.Searcher.Search(ctx, processors.SearchRequest{Query: query, TopK: topK}))
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "write json error: %v", err)
	}
}
