// Command flowworker runs one node of the Simple Flow Engine's
// distributed worker pool (spec.md §4.5): it pulls claim signals off a
// queue.Queue and races every other flowworker process to claim and
// run each one, grounded on the teacher's cmd/worker/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nuulab/flowcore/pkg/metrics"
	"github.com/nuulab/flowcore/pkg/queue"
	"github.com/nuulab/flowcore/pkg/simpleflow"
	"github.com/nuulab/flowcore/pkg/store/redisstore"
)

func main() {
	nodeID := flag.String("node-id", "", "unique id for this worker node (default: hostname-pid)")
	flowType := flag.String("flow-type", "", "simpleflow.Flow.Type this node executes (required)")
	concurrency := flag.Int("concurrency", 5, "number of concurrent claim handlers")
	redisAddr := flag.String("redis", "localhost:6379", "Redis/DragonflyDB address")
	queueName := flag.String("queue", "flowcore:claims", "claim-signal queue name")
	flag.Parse()

	if envRedis := os.Getenv("FLOWCORE_REDIS"); envRedis != "" {
		*redisAddr = envRedis
	}
	if *flowType == "" {
		log.Fatal("flowworker: -flow-type is required")
	}
	if *nodeID == "" {
		hostname, _ := os.Hostname()
		*nodeID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	fmt.Println("flowworker starting")
	fmt.Printf("  node:        %s\n", *nodeID)
	fmt.Printf("  flow type:   %s\n", *flowType)
	fmt.Printf("  redis:       %s\n", *redisAddr)
	fmt.Printf("  concurrency: %d\n", *concurrency)

	q, err := queue.NewDragonflyQueue(queue.Config{Address: *redisAddr, QueueName: *queueName})
	if err != nil {
		log.Fatalf("flowworker: failed to connect to claim queue: %v", err)
	}
	defer q.Close()

	client := redis.NewClient(&redis.Options{Addr: *redisAddr})
	st := redisstore.New(client, "flowcore")

	f := registeredFlow(*flowType)
	if f == nil {
		log.Fatalf("flowworker: unknown flow type %q", *flowType)
	}
	exec := simpleflow.NewExecutor(f, st, *nodeID)

	worker := queue.NewWorker(q, func(ctx context.Context, job *queue.Job) error {
		metrics.Default.ClaimsDequeued.Inc()
		if job.FlowType != *flowType {
			return nil // not ours; another node's worker will pick it up
		}
		metrics.Default.WorkersBusy.Inc()
		defer metrics.Default.WorkersBusy.Dec()
		result, err := exec.Execute(ctx, job.FlowID)
		if err != nil {
			metrics.Default.ClaimsRequeued.Inc()
			log.Printf("flowworker: execute %s failed: %v", job.FlowID, err)
			return err
		}
		log.Printf("flowworker: %s finished as %s", job.FlowID, result.Status)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("flowworker: shutting down")
		cancel()
		worker.Stop()
	}()

	metrics.Default.WorkersActive.Inc()
	worker.Start(ctx, *concurrency)
	<-ctx.Done()
	metrics.Default.WorkersActive.Dec()

	time.Sleep(100 * time.Millisecond) // let in-flight handlers unwind
	log.Println("flowworker: stopped")
}
