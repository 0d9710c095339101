package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/arclight-dev/arclight"
)

var (
	cpuProfile   = flag.String("cpuprofile", "", "Write cpu profile to file")
	size         = flag.Uint("n", 1024, "Array size for the demo workload")
	benchIters   = flag.Int("bench", 0, "Run the workload N times and report latency stats")
	enableOTel   = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	arrowOut     = flag.Bool("arrow", false, "Write results as an Arrow IPC stream to stdout")
	manifestPath = flag.String("manifest", "", "Persist the kernel cache manifest to this path")
	verbose      = flag.Bool("v", false, "Debug logging")
	width        = flag.Int("width", 0, "Override the SIMD vector width (0 = autodetect)")
	whos         = flag.Bool("whos", false, "Dump live variables after the workload")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}

	opts := []arclight.Option{arclight.WithLogLevel(level)}
	if *width > 0 {
		opts = append(opts, arclight.WithWidth(*width))
	}
	arclight.Init(arclight.CPU, opts...)

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	n := uint32(*size)

	if *benchIters > 0 {
		runBench(n, *benchIters)
		return
	}

	tracer := otel.Tracer("arclight")
	ctx, span := tracer.Start(context.Background(), "demo-workload")
	_ = ctx

	start := time.Now()
	values := runWorkload(n)
	elapsed := time.Since(start)
	span.End()

	log.Info().
		Uint32("n", n).
		Dur("elapsed", elapsed).
		Float64("eps", float64(n)/elapsed.Seconds()).
		Msg("Evaluated demo workload")

	if *arrowOut {
		if err := writeArrowStream(os.Stdout, values); err != nil {
			log.Warn().Err(err).Msg("Failed to write arrow stream")
		}
	} else {
		preview := values
		if len(preview) > 8 {
			preview = preview[:8]
		}
		log.Info().Floats32("head", preview).Msg("Result preview")
	}

	if *manifestPath != "" {
		if err := arclight.SaveKernelManifest(*manifestPath); err != nil {
			log.Warn().Err(err).Msg("Failed to persist kernel manifest")
		} else {
			log.Info().Str("path", *manifestPath).Msg("Kernel manifest saved")
		}
	}

	if *whos {
		fmt.Fprintln(os.Stderr, arclight.WhosAlive())
	}
}

// runWorkload builds and evaluates a representative fused expression:
// sqrt(fma(x, x, 1)) * (x mod 7 cast to float).
func runWorkload(n uint32) []float32 {
	x := arclight.Arange[float32](n)
	defer x.Drop()

	one := arclight.Literal[float32](1)
	defer one.Drop()

	xx := arclight.Fma(x, x, one)
	defer xx.Drop()

	r := arclight.Sqrt(xx)
	defer r.Drop()

	xi := arclight.Arange[uint32](n)
	defer xi.Drop()
	seven := arclight.Literal[uint32](7)
	defer seven.Drop()
	m := arclight.Mod(xi, seven)
	defer m.Drop()
	mf := arclight.Cast[float32](m)
	defer mf.Drop()

	out := arclight.Mul(r, mf)
	defer out.Drop()

	return out.Read()
}

// runBench repeats the workload and summarizes launch latency with gonum.
func runBench(n uint32, iters int) {
	lat := make([]float64, 0, iters)
	for i := 0; i < iters; i++ {
		start := time.Now()
		_ = runWorkload(n)
		lat = append(lat, time.Since(start).Seconds()*1e3)
	}

	mean, std := stat.MeanStdDev(lat, nil)
	stats := arclight.KernelCacheStats()
	log.Info().
		Int("iters", iters).
		Float64("mean_ms", mean).
		Float64("std_ms", std).
		Uint64("cache_hits", stats.Hits).
		Uint64("soft_misses", stats.SoftMisses).
		Uint64("hard_misses", stats.HardMisses).
		Uint64("launches", stats.Launches).
		Msg("Bench complete")
}

func writeArrowStream(w *os.File, values []float32) error {
	pool := memory.NewGoAllocator()

	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: "value", Type: arrow.PrimitiveTypes.Float32},
		},
		nil,
	)

	builder := array.NewFloat32Builder(pool)
	defer builder.Release()
	builder.AppendValues(values, nil)

	arr := builder.NewArray()
	defer arr.Release()

	rec := array.NewRecordBatch(schema, []arrow.Array{arr}, int64(len(values)))
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("arclight"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
