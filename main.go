package main

import (
	"github.com/sirupsen/logrus"

	"github.com/gonejack/export-vault/cmd"
)

func main() {
	var c cmd.Exporter

	if e := c.Run(); e != nil {
		logrus.Fatalf("backup failed: %s", e)
	}
}
