package main

import (
	"github.com/taskflow/broker/internal/cli/gateway"
)

func main() {
	gateway.Execute()
}
