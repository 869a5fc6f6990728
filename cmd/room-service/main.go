package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/OritPerlman/Hotel/auth"
	"github.com/OritPerlman/Hotel/roomservice/api"
	"github.com/OritPerlman/Hotel/roomservice/client"
	"github.com/OritPerlman/Hotel/roomservice/domain"
	"github.com/OritPerlman/Hotel/roomservice/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	roomsTable := os.Getenv("ROOMS_TABLE")
	eventsQueue := os.Getenv("MEMBERSHIP_EVENTS_QUEUE")
	if connStr == "" || roomsTable == "" || eventsQueue == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, roomsTable, eventsQueue)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	userServiceURL := os.Getenv("USER_SERVICE_URL")
	serviceToken := os.Getenv("USER_SERVICE_TOKEN")
	if userServiceURL == "" || serviceToken == "" {
		log.Fatal("missing user service config")
	}
	clientTimeout := 3 * time.Second
	if v := os.Getenv("USER_SERVICE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid USER_SERVICE_TIMEOUT: %v", err)
		}
		clientTimeout = d
	}
	users := client.New(userServiceURL, serviceToken, clientTimeout)

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(parseRedisOptions(redisConn))
	leaseTTL := 30 * time.Second
	if v := os.Getenv("SAGA_LEASE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid SAGA_LEASE_TTL: %v", err)
		}
		leaseTTL = d
	}
	lease := storage.NewRedisLease(rc, leaseTTL, 0)

	var authn *auth.Auth
	if os.Getenv("LOCAL_AUTH_MODE") != "" {
		authn = auth.New(nil, os.Getenv("JWT_AUDIENCE"), os.Getenv("JWT_ISSUER"))
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		domainName := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || domainName == "" {
			log.Fatal("missing auth config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domainName)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		authn = auth.New(jwks, jwtAudience, "https://"+domainName+"/")
	}

	logger := log.New()
	membership := domain.NewMembershipService(store)
	coord := domain.NewCoordinator(membership, users, users, store, lease, domain.SagaConfig{}, logger)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	api.Register(e, membership, coord, authn, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}
	e.Logger.Fatal(e.Start(listenAddr))
}

func parseRedisOptions(connStr string) *redis.Options {
	opts, err := redis.ParseURL(connStr)
	if err == nil {
		return opts
	}
	parts := strings.Split(connStr, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
