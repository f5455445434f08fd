// migrate 删除并重建全部表，用于本地重置数据。
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"roomchat/internal/config"
	"roomchat/internal/db"
	clog "roomchat/internal/log"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	yes := flag.Bool("y", false, "skip the confirmation prompt")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)

	if !*yes && !confirm() {
		fmt.Println("Operation cancelled.")
		return
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Reset(gdb); err != nil {
		log.Fatal().Err(err).Msg("db reset")
	}
	log.Info().Msg("database reset complete")
}

func confirm() bool {
	fmt.Print("WARNING: this drops every table and recreates it. All data will be lost.\nType 'yes' to continue: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(line), "yes")
}
