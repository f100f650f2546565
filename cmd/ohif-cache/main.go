// Command ohif-cache serves OHIF DICOM JSON study documents for an Orthanc
// server, caching the per-instance tag conversion.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Config  kong.ConfigFlag  `help:"Load flag values from a JSON file."`
	Version kong.VersionFlag `help:"Print the version and exit."`

	LogLevel  string `help:"Log level (${enum})." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format (${enum})." enum:"console,text,json" default:"console"`

	OrthancURL     string        `name:"orthanc-url" help:"Orthanc REST API base URL." default:"http://localhost:8042"`
	OrthancTimeout time.Duration `name:"orthanc-timeout" help:"Timeout for a single Orthanc request." default:"30s"`
	Credentials    string        `help:"Credentials template file (JSON rendered with env, file and op functions)." type:"path"`
	OPCLI          string        `name:"op-cli" help:"1Password CLI used by op references in the credentials template." default:"op"`

	Store       string `help:"Cache store driver (${enum})." enum:"orthanc,bolt,sqlite,filesystem,postgres,s3,memory" default:"orthanc"`
	StorePath   string `help:"Path for the bolt, sqlite and filesystem stores." default:"./ohif-cache"`
	Compression string `help:"Compression for new cache entries (${enum})." enum:"gzip,zstd" default:"gzip"`

	PostgresDSN string `name:"postgres-dsn" help:"Postgres connection string for the postgres store, overridden by the credentials file."`
	S3Bucket    string `name:"s3-bucket" help:"Bucket for the s3 store."`
	S3Prefix    string `name:"s3-prefix" help:"Key prefix within the bucket." default:"ohif-cache/"`
	S3Region    string `name:"s3-region" help:"Region of the bucket." default:"us-east-1"`
	S3Endpoint  string `name:"s3-endpoint" help:"Custom endpoint for S3-compatible servers such as MinIO."`
	S3PathStyle bool   `name:"s3-path-style" help:"Use path-style bucket addressing."`

	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`
	OTLPEndpoint string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export, empty disables."`
}

// CLI is the command line of ohif-cache.
type CLI struct {
	Globals

	Serve ServeCmd `cmd:"" default:"withargs" help:"Serve the OHIF DICOM JSON endpoints."`
	Warm  WarmCmd  `cmd:"" help:"Compute and store cache entries for every instance of the given studies."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("ohif-cache"),
		kong.Description("OHIF DICOM JSON metadata cache for Orthanc."),
		kong.UsageOnError(),
		kong.DefaultEnvars("OHIF_CACHE"),
		kong.Configuration(kong.JSON, "/etc/ohif-cache/config.json", "~/.ohif-cache.json"),
		kong.Vars{"version": version},
	)

	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
