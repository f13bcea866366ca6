package main

import (
	"flag"

	"tercuman.link/configs/configsdatabase"
	"tercuman.link/configs/configslog"
	"tercuman.link/database"

	"go.uber.org/zap"
)

func main() {
	configslog.InitLogger()
	defer configslog.SyncLogger()
	migrateFlag := flag.Bool("migrate", false, "Run the database migrations")
	seedFlag := flag.Bool("seed", false, "Run the seeders (demo interpreters)")
	flag.Parse()

	configsdatabase.InitDB()
	defer configsdatabase.CloseDB()

	db := configsdatabase.GetDB()

	if err := database.Initialize(db, *migrateFlag, *seedFlag); err != nil {
		configslog.Log.Fatal("Database initialization failed", zap.Error(err))
	}
}
