package main

import (
	"flag"
	"os"

	"github.com/m-lab/go/cloud/bqx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/trafficmon/pkg/trafficmon/model"

	"cloud.google.com/go/bigquery"
)

var trafficmonSchema string

func init() {
	flag.StringVar(&trafficmonSchema, "trafficmon", "/var/spool/datatypes/trafficmon.json", "filename to write trafficmon schema")
}

func main() {
	flag.Parse()
	// Generate and save the schema for autoloading.
	sch, err := bigquery.InferSchema(model.ArchivalData{})
	rtx.Must(err, "failed to generate trafficmon schema")
	sch = bqx.RemoveRequired(sch)
	b, err := sch.ToJSONFields()
	rtx.Must(err, "failed to marshal trafficmon schema")
	err = os.WriteFile(trafficmonSchema, b, 0o644)
	rtx.Must(err, "failed to write trafficmon schema")
}
