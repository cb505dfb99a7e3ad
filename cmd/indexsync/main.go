// Package main 启动 indexsync 命令行.
package main

import (
	"os"

	"github.com/yeisme/indexsync/pkg/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
