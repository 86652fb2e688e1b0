// Package main is the entry point for the muni-prelude startup sequencer.
//
// @title          MuniWorks Prelude API
// @version        1.0
// @description    Startup orchestration sequencer for the MuniWorks utility budget suite: prepares Postgres, validates the budget schema, initializes Azure blob storage, and exposes the startup timing narrative over HTTP.
// @host           localhost:8081
// @BasePath       /
// @schemes        http
package main

func main() {
	Execute()
}
