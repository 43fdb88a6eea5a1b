package middleware

import (
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ledgercore/ledgercore/internal/logging"
)

func setupTestApp(t *testing.T) (*fiber.App, *int32, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})

	var calls int32
	logger := logging.Discard()
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(false, logger)})
	app.Use(Idempotency(cache, time.Minute, logger))
	app.Post("/resource", func(c *fiber.Ctx) error {
		n := atomic.AddInt32(&calls, 1)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"ok": true, "call": n})
	})
	app.Post("/flaky", func(c *fiber.Ctx) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("storage offline")
	})
	app.Post("/rejected", func(c *fiber.Ctx) error {
		atomic.AddInt32(&calls, 1)
		return fiber.NewError(fiber.StatusBadRequest, "nope")
	})

	return app, &calls, mr
}

func post(t *testing.T, app *fiber.App, path, key string) (int, string, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader("{}"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body), resp.Header.Get("Idempotent-Replayed")
}

func TestIdempotencyWithoutHeaderPassesThrough(t *testing.T) {
	app, calls, _ := setupTestApp(t)

	for i := 0; i < 2; i++ {
		status, _, replayed := post(t, app, "/resource", "")
		if status != fiber.StatusCreated || replayed != "" {
			t.Fatalf("request %d: status=%d replayed=%q", i, status, replayed)
		}
	}
	if *calls != 2 {
		t.Fatalf("expected handler to run twice, ran %d", *calls)
	}
}

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	app, calls, _ := setupTestApp(t)

	status, payload, _ := post(t, app, "/resource", "abc123")
	if status != fiber.StatusCreated {
		t.Fatalf("expected status %d got %d", fiber.StatusCreated, status)
	}

	// Second request should return the cached response without invoking handler again.
	status, cachedPayload, replayed := post(t, app, "/resource", "abc123")
	if status != fiber.StatusCreated {
		t.Fatalf("expected cached status %d got %d", fiber.StatusCreated, status)
	}
	if cachedPayload != payload {
		t.Fatalf("expected cached payload %s got %s", payload, cachedPayload)
	}
	if replayed != "true" {
		t.Fatalf("expected replay marker header")
	}
	if *calls != 1 {
		t.Fatalf("expected handler to run once, ran %d", *calls)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(cachedPayload), &decoded); err != nil {
		t.Fatalf("cached payload invalid json: %v", err)
	}
}

func TestIdempotencyKeysAreScopedByPath(t *testing.T) {
	app, calls, _ := setupTestApp(t)

	post(t, app, "/resource", "shared")
	status, _, _ := post(t, app, "/rejected", "shared")
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected rejected handler to run, got %d", status)
	}
	if *calls != 2 {
		t.Fatalf("expected both handlers to run, ran %d", *calls)
	}
}

func TestIdempotencyStoresClientErrors(t *testing.T) {
	app, calls, _ := setupTestApp(t)

	for i := 0; i < 2; i++ {
		status, body, _ := post(t, app, "/rejected", "k-400")
		if status != fiber.StatusBadRequest || !strings.Contains(body, "nope") {
			t.Fatalf("request %d: status=%d body=%s", i, status, body)
		}
	}
	if *calls != 1 {
		t.Fatalf("expected stored 400 to be replayed, handler ran %d times", *calls)
	}
}

func TestIdempotencyDoesNotStoreServerErrors(t *testing.T) {
	app, calls, mr := setupTestApp(t)

	for i := 0; i < 2; i++ {
		status, _, _ := post(t, app, "/flaky", "k-500")
		if status != fiber.StatusInternalServerError {
			t.Fatalf("request %d: expected 500 got %d", i, status)
		}
	}
	if *calls != 2 {
		t.Fatalf("expected retry after 5xx to execute, ran %d", *calls)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("expected reservation to be dropped, found %v", keys)
	}
}

func TestIdempotencyInProgressConflict(t *testing.T) {
	app, _, mr := setupTestApp(t)

	if err := mr.Set(idempotencyCacheKey(fiber.MethodPost, "/resource", "busy"), inProgressMarker); err != nil {
		t.Fatalf("seed marker: %v", err)
	}
	status, _, _ := post(t, app, "/resource", "busy")
	if status != fiber.StatusConflict {
		t.Fatalf("expected %d got %d", fiber.StatusConflict, status)
	}
}
