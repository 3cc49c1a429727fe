package main

import (
	"log"

	"github.com/poer2023/chusea-workflow/core/infra/buildinfo"
	"github.com/poer2023/chusea-workflow/core/infra/config"
	"github.com/poer2023/chusea-workflow/core/service"
)

func main() {
	log.Println("chusea workflow engine starting...")
	buildinfo.Log("chusea-workflow-engine")
	cfg := config.Load()
	if err := service.Run(cfg); err != nil {
		log.Fatalf("workflow engine error: %v", err)
	}
}
