package network

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/trajflow/trajflow/internal/log"
	"github.com/trajflow/trajflow/internal/model"
)

// Footer metadata keys of the cache file.
const (
	metaFreshnessToken = "trajflow.freshness_token"
	metaSourceSize     = "trajflow.source_size"
	metaSourcePath     = "trajflow.source_path"
	metaCreatedAt      = "trajflow.created_at"
)

var cacheSchema = arrow.NewSchema([]arrow.Field{
	{Name: "link_id", Type: arrow.BinaryTypes.String},
	{Name: "from_node", Type: arrow.BinaryTypes.String},
	{Name: "to_node", Type: arrow.BinaryTypes.String},
	{Name: "length", Type: arrow.PrimitiveTypes.Float64},
	{Name: "freespeed", Type: arrow.PrimitiveTypes.Float64},
	{Name: "geometry", Type: arrow.BinaryTypes.Binary}, // WKB
}, nil)

// CachePathFor derives the cache location from the network source and the
// intermediate store: the cache sits alongside the intermediate file.
func CachePathFor(networkPath, intermediatePath string) string {
	stem := strings.TrimSuffix(filepath.Base(networkPath), filepath.Ext(networkPath))
	return filepath.Join(filepath.Dir(intermediatePath), stem+"_cache.parquet")
}

// Load returns the network for the given source, using the Parquet cache
// when its freshness token shows it is at least as new as the source.
// A corrupt or stale cache triggers a rebuild, never a failure; an
// unreadable source is fatal.
func Load(ctx context.Context, sourcePath, cachePath string, epsg int, forceRefresh bool) (*Network, error) {
	logger := log.WithStage("network")

	srcInfo, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("network source %q: %w", sourcePath, err)
	}
	srcToken := srcInfo.ModTime().UnixNano()
	srcSize := srcInfo.Size()

	if !forceRefresh {
		if net, err := loadCache(ctx, cachePath, srcToken, srcSize); err == nil {
			logger.Info().Str("cache", cachePath).Int("links", net.Len()).Msg("network loaded from cache")
			return net, nil
		} else if !os.IsNotExist(err) {
			// Anything other than a missing cache is worth a note; the
			// conservative answer to ambiguity is a rebuild.
			logger.Warn().Err(err).Str("cache", cachePath).Msg("cache unusable, rebuilding")
		}
	}

	net, err := readSource(sourcePath, epsg)
	if err != nil {
		return nil, err
	}
	if err := writeCache(ctx, cachePath, net, sourcePath, srcToken, srcSize); err != nil {
		return nil, fmt.Errorf("failed to write network cache: %w", err)
	}
	logger.Info().Str("cache", cachePath).Int("links", net.Len()).Msg("network cache rebuilt")
	return net, nil
}

// loadCache deserializes the cache if its stored token is >= the source
// token and the recorded source size matches.
func loadCache(ctx context.Context, cachePath string, srcToken, srcSize int64) (*Network, error) {
	if _, err := os.Stat(cachePath); err != nil {
		return nil, err
	}
	rdr, err := file.OpenParquetFile(cachePath, false)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	defer rdr.Close()

	kv := rdr.MetaData().KeyValueMetadata()
	tokenStr := kv.FindValue(metaFreshnessToken)
	sizeStr := kv.FindValue(metaSourceSize)
	if tokenStr == nil || sizeStr == nil {
		return nil, fmt.Errorf("cache missing freshness metadata")
	}
	token, err := strconv.ParseInt(*tokenStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cache freshness token: %w", err)
	}
	size, err := strconv.ParseInt(*sizeStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cache source size: %w", err)
	}
	if token < srcToken || size != srcSize {
		return nil, fmt.Errorf("cache stale (token %d < %d or size %d != %d)", token, srcToken, size, srcSize)
	}

	arrowRdr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{BatchSize: 65536}, memory.DefaultAllocator)
	if err != nil {
		return nil, fmt.Errorf("cache reader: %w", err)
	}
	table, err := arrowRdr.ReadTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache read: %w", err)
	}
	defer table.Release()

	links := make(map[string]*model.Link, table.NumRows())
	tr := array.NewTableReader(table, 65536)
	defer tr.Release()

	for tr.Next() {
		rec := tr.Record()
		ids := rec.Column(0).(*array.String)
		from := rec.Column(1).(*array.String)
		to := rec.Column(2).(*array.String)
		length := rec.Column(3).(*array.Float64)
		freespeed := rec.Column(4).(*array.Float64)
		geom := rec.Column(5).(*array.Binary)

		for i := 0; i < int(rec.NumRows()); i++ {
			g, err := wkb.Unmarshal(geom.Value(i))
			if err != nil {
				return nil, fmt.Errorf("cache row %d: geometry: %w", i, err)
			}
			line, ok := g.(orb.LineString)
			if !ok {
				return nil, fmt.Errorf("cache row %d: geometry is %T, want LineString", i, g)
			}
			if len(line) < 2 {
				return nil, fmt.Errorf("cache row %d: degenerate geometry (%d vertices)", i, len(line))
			}
			links[ids.Value(i)] = &model.Link{
				ID:        ids.Value(i),
				From:      from.Value(i),
				To:        to.Value(i),
				Length:    length.Value(i),
				Freespeed: freespeed.Value(i),
				Geometry:  line,
			}
		}
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("cache is empty")
	}
	return &Network{links: links}, nil
}

// writeCache persists the network snapshot atomically: the Parquet file is
// written to a temp path and renamed into place, so readers never observe a
// partial cache.
func writeCache(ctx context.Context, cachePath string, net *Network, sourcePath string, srcToken, srcSize int64) error {
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return err
	}

	meta := arrow.NewMetadata(
		[]string{metaFreshnessToken, metaSourceSize, metaSourcePath, metaCreatedAt},
		[]string{
			strconv.FormatInt(srcToken, 10),
			strconv.FormatInt(srcSize, 10),
			sourcePath,
			time.Now().UTC().Format(time.RFC3339),
		},
	)
	schema := arrow.NewSchema(cacheSchema.Fields(), &meta)

	tempPath := cachePath + ".tmp." + strconv.FormatInt(time.Now().UnixNano(), 10)
	f, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithCreatedBy("trajflow"),
	)
	w, err := pqarrow.NewFileWriter(schema, f, props, pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}

	rec, err := buildCacheRecord(schema, net)
	if err != nil {
		w.Close()
		os.Remove(tempPath)
		return err
	}
	writeErr := w.Write(rec)
	rec.Release()
	if writeErr != nil {
		w.Close()
		os.Remove(tempPath)
		return writeErr
	}
	if err := w.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, cachePath); err != nil {
		os.Remove(tempPath)
		return err
	}
	return nil
}

func buildCacheRecord(schema *arrow.Schema, net *Network) (arrow.Record, error) {
	alloc := memory.DefaultAllocator
	idB := array.NewStringBuilder(alloc)
	fromB := array.NewStringBuilder(alloc)
	toB := array.NewStringBuilder(alloc)
	lenB := array.NewFloat64Builder(alloc)
	speedB := array.NewFloat64Builder(alloc)
	geomB := array.NewBinaryBuilder(alloc, arrow.BinaryTypes.Binary)
	defer func() {
		idB.Release()
		fromB.Release()
		toB.Release()
		lenB.Release()
		speedB.Release()
		geomB.Release()
	}()

	for _, link := range net.links {
		data, err := wkb.Marshal(link.Geometry)
		if err != nil {
			return nil, fmt.Errorf("link %s: wkb encode: %w", link.ID, err)
		}
		idB.Append(link.ID)
		fromB.Append(link.From)
		toB.Append(link.To)
		lenB.Append(link.Length)
		speedB.Append(link.Freespeed)
		geomB.Append(data)
	}

	cols := []arrow.Array{
		idB.NewArray(), fromB.NewArray(), toB.NewArray(),
		lenB.NewArray(), speedB.NewArray(), geomB.NewArray(),
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecord(schema, cols, int64(net.Len())), nil
}
