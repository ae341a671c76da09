package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"eventchat/internal/broker"
	"eventchat/internal/config"
	"eventchat/internal/domain"
	"eventchat/internal/outbox"
	"eventchat/internal/repository"
	"eventchat/internal/service"
	"eventchat/internal/ws"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Database
	db, err := sql.Open("postgres", cfg.DBConnStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.Close()

	// 3. Repositories
	outboxRepo := repository.NewPostgresOutboxRepository(db)
	chatRepo := repository.NewChatRepository(db, outboxRepo)

	// 4. RabbitMQ
	mqClient, err := broker.NewRabbitMQClient(cfg.AMQPURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer mqClient.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 5. Hub + Service (service authorizes room joins)
	nodeID := uuid.New().String()
	var svc *service.ChatService
	hub := ws.NewHub(mqClient, nodeID, func(ctx context.Context, chatID, userID uuid.UUID) error {
		return svc.AuthorizeJoin(ctx, chatID, userID)
	}, log.Named("hub"))
	svc = service.NewChatService(chatRepo, hub, log.Named("service"))
	go hub.Run()
	go hub.RunRelay(ctx)

	// 6. Outbox Dispatcher
	dispatcher := outbox.NewDispatcher(outboxRepo, cfg.OutboxBatchSize, log.Named("outbox"))
	dispatcher.Register(outbox.NewMembershipHandler(hub))
	dispatcher.Register(outbox.NewPushHandler(mqClient))
	go dispatcher.Start(ctx, cfg.OutboxInterval)

	// 7. HTTP Handlers
	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
		if err != nil {
			http.Error(w, "Missing or invalid user_id", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorf("Failed to upgrade WS: %v", err)
			return
		}

		client := &ws.Client{
			Hub:    hub,
			Conn:   conn,
			UserID: userID,
			Send:   make(chan []byte, 256),
		}
		hub.Register <- client

		go client.WritePump()
		go client.ReadPump(ctx)
	})

	http.HandleFunc("/messages", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var input service.SendMessageInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			http.Error(w, "Invalid body", http.StatusBadRequest)
			return
		}
		msg, err := svc.SendMessage(r.Context(), input)
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(msg)
	}))

	http.HandleFunc("/chats/direct", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			UserID  uuid.UUID `json:"user_id"`
			OtherID uuid.UUID `json:"other_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid body", http.StatusBadRequest)
			return
		}
		chatID, err := svc.OpenDirectDialog(r.Context(), req.UserID, req.OtherID)
		if err != nil {
			writeError(w, err)
			return
		}
		json.NewEncoder(w).Encode(map[string]uuid.UUID{"chat_id": chatID})
	}))

	http.HandleFunc("/events/join", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			EventID uuid.UUID `json:"event_id"`
			UserID  uuid.UUID `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid body", http.StatusBadRequest)
			return
		}
		chatID, err := svc.JoinEventGroup(r.Context(), req.EventID, req.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		json.NewEncoder(w).Encode(map[string]uuid.UUID{"chat_id": chatID})
	}))

	http.HandleFunc("/read", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			ChatID uuid.UUID `json:"chat_id"`
			UserID uuid.UUID `json:"user_id"`
			MaxSeq int64     `json:"max_seq"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid body", http.StatusBadRequest)
			return
		}
		if err := svc.MarkRead(r.Context(), req.ChatID, req.UserID, req.MaxSeq); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	http.HandleFunc("/reactions", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MessageID int64     `json:"message_id"`
			UserID    uuid.UUID `json:"user_id"`
			Emoji     string    `json:"emoji"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid body", http.StatusBadRequest)
			return
		}
		var err error
		switch r.Method {
		case http.MethodPost:
			err = svc.SetReaction(r.Context(), req.MessageID, req.UserID, req.Emoji)
		case http.MethodDelete:
			err = svc.RemoveReaction(r.Context(), req.MessageID, req.UserID, req.Emoji)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	http.HandleFunc("/search", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
		if err != nil {
			http.Error(w, "Missing or invalid user_id", http.StatusBadRequest)
			return
		}
		var chatID *uuid.UUID
		if raw := r.URL.Query().Get("chat_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				http.Error(w, "Invalid chat_id", http.StatusBadRequest)
				return
			}
			chatID = &id
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		messages, err := svc.SearchMessages(r.Context(), userID, r.URL.Query().Get("q"), chatID, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		json.NewEncoder(w).Encode(messages)
	}))

	http.HandleFunc("/chats", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
		if err != nil {
			http.Error(w, "Missing or invalid user_id", http.StatusBadRequest)
			return
		}
		summaries, err := svc.ListSummaries(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		json.NewEncoder(w).Encode(summaries)
	}))

	log.Infof("Server starting on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, nil); err != nil {
		log.Fatal(err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, domain.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}
