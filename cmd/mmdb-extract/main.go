// mmdb-extract：离线解包 MaxMind 发布包并校验数据库
//
// 用法：mmdb-extract -i GeoLite2-City.tar.gz -o GeoLite2-City.mmdb
package main

import (
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"geoip-api/internal/archive"
	"geoip-api/internal/localdb"

	"github.com/dustin/go-humanize"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	inputFlag := flag.StringP("input", "i", "", "archive or raw database to unpack")
	outputFlag := flag.StringP("output", "o", "", "where to write the extracted database (empty = only inspect)")
	suffixFlag := flag.String("suffix", archive.DefaultSuffix, "entry name suffix to select inside zip/tar archives")
	maxDepthFlag := flag.Int("max-depth", archive.DefaultMaxDepth, "maximum number of nested container layers")
	maxSizeFlag := flag.String("max-size", humanize.IBytes(uint64(archive.DefaultMaxSize)), "maximum decompressed size of any layer")
	verifyFlag := flag.Bool("verify", true, "open the result as a MaxMind database and print its metadata")

	flag.Parse()

	if *inputFlag == "" {
		return fmt.Errorf("--input is required")
	}
	maxSize, err := humanize.ParseBytes(*maxSizeFlag)
	if err != nil {
		return fmt.Errorf("invalid --max-size: %w", err)
	}

	data, err := os.ReadFile(*inputFlag)
	if err != nil {
		return err
	}
	fmt.Printf("input:   %s (%s, %s)\n", *inputFlag, archive.Sniff(data), humanize.IBytes(uint64(len(data))))

	x := archive.New(archive.Options{Suffix: *suffixFlag, MaxDepth: *maxDepthFlag, MaxSize: int64(maxSize)})
	raw, err := x.Extract(data)
	if err != nil {
		return err
	}
	fmt.Printf("extract: %s\n", humanize.IBytes(uint64(len(raw))))

	if *verifyFlag {
		r, err := localdb.OpenMMDB(raw)
		if err != nil {
			return err
		}
		md := r.Metadata()
		built := time.Unix(int64(md.BuildEpoch), 0).UTC()
		fmt.Printf("type:    %s (IPv%d, format %d.%d)\n", md.DatabaseType, md.IPVersion, md.BinaryFormatMajorVersion, md.BinaryFormatMinorVersion)
		fmt.Printf("built:   %s (%s)\n", built.Format(time.RFC3339), humanize.Time(built))
		fmt.Printf("nodes:   %d\n", md.NodeCount)
		_ = r.Close()
	}

	if *outputFlag != "" {
		if err := os.WriteFile(*outputFlag, raw, 0o644); err != nil {
			return err
		}
		fmt.Printf("output:  %s\n", *outputFlag)
	}
	return nil
}
