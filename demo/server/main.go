package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	shapefile "github.com/tingold/orb-shapefile"
)

// maxFeatures caps one /features response.
const maxFeatures = 10000

func parseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox wants minx,miny,maxx,maxy")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bbox: %w", err)
		}
		v[i] = f
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

func main() {
	path := flag.String("shp", "data/cities.shp", "shapefile to serve")
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	logger := shapefile.NewDefaultLogger(slog.LevelInfo)
	reg := prometheus.NewRegistry()
	cache, err := shapefile.NewIndexCache(16)
	if err != nil {
		log.Fatalf("Failed to create index cache: %v", err)
	}

	store := shapefile.New(*path, &shapefile.Options{
		IndexCache:   cache,
		PersistIndex: true,
		Logger:       logger,
		Metrics:      shapefile.NewMetrics(reg),
	})
	if err := store.Open(); err != nil {
		log.Fatalf("Failed to open %s: %v", *path, err)
	}
	defer store.Close()

	http.HandleFunc("/features", func(w http.ResponseWriter, r *http.Request) {
		bound, err := store.GetExtents()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if q := r.URL.Query().Get("bbox"); q != "" {
			if bound, err = parseBBox(q); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		fc := geojson.NewFeatureCollection()
		err = store.ExecuteIntersectionQuery(bound, func(f *geojson.Feature) bool {
			fc.Append(f)
			return len(fc.Features) < maxFeatures
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if err := json.NewEncoder(w).Encode(fc); err != nil {
			logger.Warn("writing features", "error", err)
		}
	})

	http.HandleFunc("/data.fgb", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		opts := shapefile.DefaultFlatGeobufOptions()
		opts.Name = strings.TrimSuffix(*path, ".shp")
		if err := shapefile.WriteFlatGeobuf(w, store, opts); err != nil {
			logger.Error("writing flatgeobuf", "error", err)
		}
	})

	http.HandleFunc("/extent", func(w http.ResponseWriter, r *http.Request) {
		b, err := store.GetExtents()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		n, _ := store.GetFeatureCount()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"bbox":  []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]},
			"count": n,
			"srid":  store.SRID(),
		})
	})

	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	log.Println("Server starting on", *addr)
	log.Println("Serving", store.ConnectionID())
	log.Fatal(http.ListenAndServe(*addr, nil))
}
