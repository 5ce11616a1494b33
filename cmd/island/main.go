package main

// island 是 coordinator 預設啟動的 engine，也可以單獨執行

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/pyramid-gp/internal/cli"
)

func main() {
	if err := cli.BuildIslandCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "island: %v\n", err)
		os.Exit(1)
	}
}
