package main

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/nsf/termbox-go"
)

const (
	colDef    = termbox.ColorDefault
	colWhite  = termbox.ColorWhite
	colGreen  = termbox.ColorGreen
	colBlue   = termbox.ColorBlue
	colCyan   = termbox.ColorCyan
	colYellow = termbox.ColorYellow
)

// runTUI shows live level meters for a streaming engine until the
// user quits or done is closed. Stdout carries audio in stream mode,
// so all interaction stays on the terminal via termbox.
func runTUI(e *engine, done <-chan struct{}) {
	if err := termbox.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize TUI: %v\n", err)
		return
	}
	defer termbox.Close()

	termbox.SetInputMode(termbox.InputEsc)

	eventQueue := make(chan termbox.Event)

	go func() {
		for {
			eventQueue <- termbox.PollEvent()
		}
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	draw(e)

	for {
		select {
		case ev := <-eventQueue:
			switch ev.Type {
			case termbox.EventKey:
				if ev.Key == termbox.KeyEsc || ev.Ch == 'q' {
					return
				}
			case termbox.EventResize:
				draw(e)
			}
		case <-ticker.C:
			draw(e)
		case <-done:
			return
		}
	}
}

func draw(e *engine) {
	_ = termbox.Clear(colDef, colDef)

	state := e.State()

	printTB(0, 0, colCyan, colDef, "algo-convolve - streaming")
	printTB(0, 1, colWhite, colDef, fmt.Sprintf("IR: %s (%d samples)", state.IRFile, state.IRLength))
	printTB(0, 2, colWhite, colDef, fmt.Sprintf("Sample Rate: %.0f Hz   FFT sizes: %v", state.SampleRate, state.FFTSizes))
	printTB(0, 3, colDef, colDef, "'q' or Esc to quit.")
	printTB(0, 4, colDef, colDef, "----------------------------------------------------")

	in, out := e.Meters()

	linToDB := func(l float32) float64 {
		if l <= 1e-9 {
			return -96.0
		}
		return 20 * math.Log10(float64(l))
	}

	printTB(0, 6, colYellow, colDef, "Meters:")
	drawMeter(8, "In  ", linToDB(in), colGreen)
	drawMeter(9, "Out ", linToDB(out), colBlue)

	termbox.Flush()
}

func drawMeter(yPos int, label string, db float64, color termbox.Attribute) {
	const (
		barWidth = 60
		xPos     = 2
		minDB    = -96.0
		maxDB    = 6.0
	)

	if db < minDB {
		db = minDB
	}

	if db > maxDB {
		db = maxDB
	}

	ratio := (db - minDB) / (maxDB - minDB)
	filled := int(ratio * float64(barWidth))

	printTB(xPos, yPos, colDef, colDef, fmt.Sprintf("%s [%-6.1f dB] ", label, db))

	startX := xPos + 15

	for i := 0; i < barWidth; i++ {
		barChar := '░'
		if i < filled {
			barChar = '█'
		}

		termbox.SetCell(startX+i, yPos, barChar, color, colDef)
	}
}

func printTB(x, y int, fg, bg termbox.Attribute, msg string) {
	for _, c := range msg {
		termbox.SetCell(x, y, c, fg, bg)
		x++
	}
}
