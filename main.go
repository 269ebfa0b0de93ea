package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/MarcGrol/orderbackend/lib/mybus"
	"github.com/MarcGrol/orderbackend/lib/myhttp"
	"github.com/MarcGrol/orderbackend/lib/mypublisher"
	"github.com/MarcGrol/orderbackend/lib/myqueue"
	"github.com/MarcGrol/orderbackend/lib/mystore"
	"github.com/MarcGrol/orderbackend/lib/mytime"
	"github.com/MarcGrol/orderbackend/lib/myuuid"
	"github.com/MarcGrol/orderbackend/services/checkout"
	"github.com/MarcGrol/orderbackend/services/order"
)

func main() {
	c := context.Background()

	nower := mytime.RealNower{}
	uuider := myuuid.RealUUIDer{}

	router := mux.NewRouter()

	busConfig, err := busConfigFromEnv()
	if err != nil {
		log.Fatalf("Invalid bus configuration: %s", err)
	}

	bus, busCleanup, err := mybus.New(c, busConfig, nower, uuider)
	if err != nil {
		log.Fatalf("Error creating message bus: %s", err)
	}
	defer busCleanup()

	busWebService := mybus.NewWebService(bus)
	busWebService.RegisterEndpoints(c, router)

	queue, queueCleanup, err := myqueue.New(c)
	if err != nil {
		log.Fatalf("Error creating task queue: %s", err)
	}
	defer queueCleanup()

	publisher, publisherCleanup, err := mypublisher.New(c, bus, queue, nower)
	if err != nil {
		log.Fatalf("Error creating event publisher: %s", err)
	}
	defer publisherCleanup()
	publisher.RegisterEndpoints(c, router)

	checkoutService := checkout.NewWebService(publisher, bus, nower)
	err = checkoutService.RegisterEndpoints(c, router)
	if err != nil {
		log.Fatalf("Error registering checkout service: %s", err)
	}

	orderStore, orderStoreCleanup, err := mystore.New[order.Order](c)
	if err != nil {
		log.Fatalf("Error creating order store: %s", err)
	}
	defer orderStoreCleanup()

	orderService := order.NewWebService(orderStore, bus, publisher, nower)
	err = orderService.RegisterEndpoints(c, router)
	if err != nil {
		log.Fatalf("Error registering order service: %s", err)
	}

	startWebServerBlocking(router)
}

func busConfigFromEnv() (mybus.Config, error) {
	cfg := mybus.Config{}

	maxAttempts := os.Getenv("MAX_DELIVERY_ATTEMPTS")
	if maxAttempts != "" {
		value, err := strconv.Atoi(maxAttempts)
		if err != nil {
			return cfg, fmt.Errorf("error parsing MAX_DELIVERY_ATTEMPTS: %s", err)
		}
		cfg.MaxDeliveryAttempts = value
	}

	initialBackoff := os.Getenv("INITIAL_BACKOFF")
	if initialBackoff != "" {
		value, err := time.ParseDuration(initialBackoff)
		if err != nil {
			return cfg, fmt.Errorf("error parsing INITIAL_BACKOFF: %s", err)
		}
		cfg.InitialBackoff = value
	}

	maxBackoff := os.Getenv("MAX_BACKOFF")
	if maxBackoff != "" {
		value, err := time.ParseDuration(maxBackoff)
		if err != nil {
			return cfg, fmt.Errorf("error parsing MAX_BACKOFF: %s", err)
		}
		cfg.MaxBackoff = value
	}

	cfg = cfg.WithDefaults()

	return cfg, cfg.Validate()
}

func startWebServerBlocking(router *mux.Router) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Starting webserver on port %s (try %s)", port, myhttp.GuessHostnameWithScheme())
	err := http.ListenAndServe(fmt.Sprintf(":%s", port), router)
	if err != nil {
		log.Fatalf("Error starting webserver on port %s: %s", port, err)
	}
}
