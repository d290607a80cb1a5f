package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"

	"github.com/sudoku-rooms/internal/domain"
	"github.com/sudoku-rooms/internal/kafka"
	"github.com/sudoku-rooms/internal/publisher"
	"github.com/sudoku-rooms/internal/sudoku"
)

var nicknames = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf", "Hawk", "Viper",
	"Ghost", "Titan", "Frost", "Cyber", "Nova", "Raven", "Omega", "Alpha", "Delta", "Sigma",
}

func playerName(idx int) string {
	prefixIdx := idx % len(nicknames)
	suffix := idx/len(nicknames) + 1
	return fmt.Sprintf("%s%d", nicknames[prefixIdx], suffix)
}

// simPlayer fills in cells from the puzzle solution at a steady pace,
// pushing each edit through a debounced publisher the way a real client
// would.
type simPlayer struct {
	roomID    string
	playerID  string
	board     domain.Board
	solution  domain.Board
	remaining []domain.Cell
	pub       *publisher.ProgressPublisher
	heart     *publisher.Heartbeater
}

func newSimPlayer(roomID, playerID string, puzzle *domain.SudokuPuzzle, send publisher.SendFunc, debounce, heartbeat time.Duration, logger *slog.Logger, beat publisher.HeartbeatFunc) *simPlayer {
	p := &simPlayer{
		roomID:   roomID,
		playerID: playerID,
		board:    puzzle.Board,
		solution: puzzle.Solution,
	}
	for r := 0; r < domain.BoardSize; r++ {
		for c := 0; c < domain.BoardSize; c++ {
			if p.board[r][c] == domain.Empty {
				p.remaining = append(p.remaining, domain.Cell{Row: r, Col: c})
			}
		}
	}
	p.pub = publisher.NewProgressPublisher(send, debounce, logger)
	p.heart = publisher.NewHeartbeater(beat, heartbeat, logger)
	p.heart.Start()
	return p
}

func (p *simPlayer) done() bool {
	return len(p.remaining) == 0
}

// step fills one more cell from the solution.
func (p *simPlayer) step(ctx context.Context, rng *rand.Rand) {
	if p.done() {
		return
	}
	i := rng.Intn(len(p.remaining))
	cell := p.remaining[i]
	p.remaining[i] = p.remaining[len(p.remaining)-1]
	p.remaining = p.remaining[:len(p.remaining)-1]

	p.board[cell.Row][cell.Col] = p.solution[cell.Row][cell.Col]
	p.pub.Update(ctx, &p.board)
}

func (p *simPlayer) stop() {
	p.pub.Stop()
	p.heart.Stop()
}

func main() {
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "room-progress", "Kafka topic")
	roomCount := flag.Int("rooms", 10, "Number of simulated rooms")
	playersPerRoom := flag.Int("players", 3, "Players per room")
	movesPerSecond := flag.Int("rate", 50, "Cell fills per second across all players")
	debounce := flag.Duration("debounce", 2*time.Second, "Progress debounce window")
	heartbeat := flag.Duration("heartbeat", 45*time.Second, "Heartbeat interval")
	duration := flag.Duration("duration", 0, "Duration to run (0 = until all boards finish)")
	flag.Parse()

	brokerList := strings.Split(*brokers, ",")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  Sudoku Rooms Load Generator")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Brokers:          %s\n", *brokers)
	fmt.Printf("  Topic:            %s\n", *topic)
	fmt.Printf("  Rooms:            %d\n", *roomCount)
	fmt.Printf("  Players/room:     %d\n", *playersPerRoom)
	fmt.Printf("  Moves/sec:        %d\n", *movesPerSecond)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	// Configure Sarama producer
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}
	defer producer.Close()

	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	done := make(chan struct{})

	sendEvent := func(event kafka.ProgressEvent) {
		event.SentAt = time.Now().UnixMilli()
		data, err := json.Marshal(event)
		if err != nil {
			log.Printf("Failed to marshal event: %v", err)
			return
		}

		msg := &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(event.RoomID),
			Value: sarama.ByteEncoder(data),
		}

		select {
		case producer.Input() <- msg:
		case <-done:
		}
	}

	// Build the simulated population: one puzzle per room, shared by its
	// players the way a real room shares one board.
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var players []*simPlayer
	fmt.Printf("Generating %d puzzles...\n", *roomCount)
	for i := 0; i < *roomCount; i++ {
		puzzle, err := sudoku.Generate(domain.DifficultyNormal)
		if err != nil {
			log.Fatalf("Failed to generate puzzle: %v", err)
		}
		roomID := fmt.Sprintf("room_load_%d", i)
		for j := 0; j < *playersPerRoom; j++ {
			playerID := playerName(i**playersPerRoom + j)
			roomID, playerID := roomID, playerID
			send := func(_ context.Context, board *domain.Board) error {
				sendEvent(kafka.ProgressEvent{
					Type:     kafka.EventProgress,
					RoomID:   roomID,
					PlayerID: playerID,
					Board:    board,
				})
				return nil
			}
			beat := func(context.Context) error {
				sendEvent(kafka.ProgressEvent{
					Type:     kafka.EventHeartbeat,
					RoomID:   roomID,
					PlayerID: playerID,
				})
				return nil
			}
			players = append(players, newSimPlayer(roomID, playerID, puzzle, send, *debounce, *heartbeat, logger, beat))
		}
	}
	fmt.Printf("Simulating %d players across %d rooms\n\n", len(players), *roomCount)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	interval := time.Second / time.Duration(*movesPerSecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	shutdown := func(reason string) {
		fmt.Printf("\n\n%s\n", reason)
		for _, p := range players {
			p.stop()
		}
		close(done)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("\nCompleted. Sent: %d, Errors: %d\n",
			atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	ctx := context.Background()
	var moveCount int64
	active := len(players)

	for {
		select {
		case <-sigChan:
			shutdown("Shutting down...")
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				shutdown("Duration reached, shutting down...")
				return
			}
			if active == 0 {
				shutdown("All boards finished, shutting down...")
				return
			}

			p := players[rng.Intn(len(players))]
			if p.done() {
				continue
			}
			p.step(ctx, rng)
			if p.done() {
				active--
			}
			atomic.AddInt64(&moveCount, 1)

		case <-statsTicker.C:
			fmt.Printf("[%s] Moves: %d | Sent: %d | Errors: %d | Active: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&moveCount),
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
				active,
			)
		}
	}
}
