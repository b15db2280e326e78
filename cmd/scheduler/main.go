package main

import (
	"github.com/taskflow/broker/internal/cli/scheduler"
)

func main() {
	scheduler.Execute()
}
