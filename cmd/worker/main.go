package main

import (
	"github.com/taskflow/broker/internal/cli/worker"
)

func main() {
	worker.Execute()
}
