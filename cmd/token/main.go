package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/huangang/modsentry/internal/config"
	"github.com/huangang/modsentry/internal/middleware"
	"github.com/huangang/modsentry/internal/utils"
)

// Issues a service token signed with the configured JWT secret.
//
//	go run ./cmd/token -service rule-engine
//	go run ./cmd/token -service ops -role admin -hours 720
func main() {
	service := flag.String("service", "", "calling service name (required)")
	role := flag.String("role", middleware.RoleService, "token role: service or admin")
	hours := flag.Int("hours", 0, "expiry in hours, 0 uses jwt.expire_hour from config")
	flag.Parse()

	if *service == "" {
		flag.Usage()
		os.Exit(2)
	}
	if !middleware.ValidRole(*role) {
		log.Fatalf("unknown role %q", *role)
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.JWT.Secret == "" {
		log.Fatal("jwt.secret is empty; set it in config.yaml or JWT_SECRET")
	}
	utils.SetJWTSecret(cfg.JWT.Secret)

	expire := *hours
	if expire <= 0 {
		expire = cfg.JWT.ExpireHour
	}

	token, err := utils.GenerateServiceToken(*service, *role, expire)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}
	fmt.Println(token)
}
