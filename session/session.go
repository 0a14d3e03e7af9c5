// Package session - The SEARCHING/LOCKED tracking loop that ties detection, target selection,
// feature recommendation and heatmap reconstruction together.
package session

import (
	"context"
	"image"
	"io"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-featrec/config"
	"github.com/nvr-ai/go-featrec/features"
	"github.com/nvr-ai/go-featrec/inference"
	"github.com/nvr-ai/go-featrec/profiler"
	"github.com/nvr-ai/go-featrec/target"
)

// ErrStopped is returned by a Renderer to end the session early. Run treats it as a clean stop.
var ErrStopped = errors.New("session stopped")

// State is the tracking state of a session.
type State int

const (
	// Searching runs target selection on every frame until the target class is detected.
	Searching State = iota
	// Locked reconstructs heatmaps from the frozen selection on every frame.
	Locked
)

func (s State) String() string {
	switch s {
	case Searching:
		return "SEARCHING"
	case Locked:
		return "LOCKED"
	}
	return "UNKNOWN"
}

// Recommender picks the feature channels that respond to a target box.
type Recommender interface {
	Recommend(
		acts *features.Activations,
		rng features.LayerRange,
		proj features.Projection,
		frame image.Point,
		box image.Rectangle,
	) (*features.Selection, error)
}

// Reconstructor turns a selection of channels into heatmaps.
type Reconstructor interface {
	Reconstruct(
		acts *features.Activations,
		rng features.LayerRange,
		sel *features.Selection,
		positions []int,
	) ([]*features.Heatmap, error)
}

// FrameSource yields frames until it returns io.EOF.
type FrameSource interface {
	Next(ctx context.Context) (inference.Frame, error)
}

// Renderer displays the outcome of each step. Returning ErrStopped ends the session.
type Renderer interface {
	Render(ctx context.Context, step *Step) error
}

// Step is the outcome of processing one frame.
type Step struct {
	Frame inference.Frame
	// State is the state after the frame was processed.
	State State
	// Locking is set on the frame the target was locked on.
	Locking bool
	// Detections are only populated while searching and on the locking frame.
	Detections []inference.Detection
	// Target is the locked target box, zero while searching.
	Target     image.Rectangle
	Selection  *features.Selection
	Projection features.Projection
	// Selected holds the heatmaps of the recommended channels, primary last.
	Selected []*features.Heatmap
	// Overview holds the all-channel heatmaps of the same layers. Empty on the locking frame.
	Overview []*features.Heatmap
	Elapsed  time.Duration
}

// Primary returns the layer and heatmaps shown for a locked step.
//
// Returns:
//   - int: The primary layer index.
//   - *features.Heatmap: The recommended-feature heatmap of that layer.
//   - *features.Heatmap: The all-channel heatmap of that layer, nil on the locking frame.
//   - bool: False when the step carries no heatmaps.
func (s *Step) Primary() (int, *features.Heatmap, *features.Heatmap, bool) {
	if len(s.Selected) == 0 {
		return 0, nil, nil, false
	}
	sel := s.Selected[len(s.Selected)-1]
	var overview *features.Heatmap
	if len(s.Overview) > 0 {
		overview = s.Overview[len(s.Overview)-1]
	}
	return sel.Layer, sel, overview, true
}

// Options configures a Session.
type Options struct {
	Task     config.TaskConfig
	Detector inference.Detector
	// Recommender defaults to features.NewRecommender(Task.Recommender).
	Recommender Recommender
	// Reconstructor defaults to features.NewReconstructor().
	Reconstructor Reconstructor
	Profiler      *profiler.Profiler
	Log           logs.Log
}

// Session is the context of one tracking run. It is not safe for concurrent use; frames are
// processed one at a time.
type Session struct {
	task          config.TaskConfig
	rule          target.Rule
	detector      inference.Detector
	recommender   Recommender
	reconstructor Reconstructor
	prof          *profiler.Profiler
	log           logs.Log

	state     State
	target    image.Rectangle
	selection *features.Selection
	stopAt    int
	frames    int
	lockFrame int
}

// New creates a session in the Searching state.
//
// Arguments:
//   - opts: The session collaborators and task configuration.
//
// Returns:
//   - *Session: The session.
//   - error: An error if the task is invalid or a required collaborator is missing.
func New(opts Options) (*Session, error) {
	if opts.Detector == nil {
		return nil, errors.New("session needs a detector")
	}
	if opts.Log == nil {
		return nil, errors.New("session needs a logger")
	}
	rule, err := target.ParseRule(opts.Task.Rule)
	if err != nil {
		return nil, errors.Wrap(config.ErrInvalid, err.Error())
	}
	if err := opts.Task.Layers.Validate(); err != nil {
		return nil, errors.Wrap(config.ErrInvalid, err.Error())
	}
	if opts.Recommender == nil {
		opts.Recommender = features.NewRecommender(opts.Task.Recommender)
	}
	if opts.Reconstructor == nil {
		opts.Reconstructor = features.NewReconstructor()
	}
	return &Session{
		task:          opts.Task,
		rule:          rule,
		detector:      opts.Detector,
		recommender:   opts.Recommender,
		reconstructor: opts.Reconstructor,
		prof:          opts.Profiler,
		log:           opts.Log,
		state:         Searching,
		stopAt:        inference.AllLayers,
		lockFrame:     -1,
	}, nil
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Selection returns the frozen selection, nil while searching.
func (s *Session) Selection() *features.Selection { return s.selection }

// Frames returns the number of frames processed.
func (s *Session) Frames() int { return s.frames }

// LockFrame returns the ID of the frame the target was locked on, or -1.
func (s *Session) LockFrame() int { return s.lockFrame }

// Step processes one frame and advances the state machine.
//
// While searching, the full network runs and the target selector looks for the target class. On a
// match the recommender runs once, the deepest selected layer becomes the inference cutoff for all
// later frames, and the session locks. While locked, the selector and recommender are skipped and
// the reconstructor runs twice per frame: once with the frozen selection, once over all channels.
// There is no transition back to Searching.
//
// Arguments:
//   - ctx: Cancels the inference call.
//   - frame: The frame to process.
//
// Returns:
//   - *Step: What happened on this frame.
//   - error: An inference, recommendation or reconstruction error. The state is unchanged.
func (s *Session) Step(ctx context.Context, frame inference.Frame) (*Step, error) {
	defer s.prof.StartOperation(profiler.OpFrame)()
	start := time.Now()

	done := s.prof.StartOperation(profiler.OpInference)
	res, err := s.detector.Infer(ctx, frame, s.stopAt)
	done()
	if err != nil {
		return nil, errors.Wrapf(err, "frame %d", frame.ID)
	}

	var step *Step
	switch s.state {
	case Searching:
		step, err = s.search(frame, res)
	case Locked:
		step, err = s.track(frame, res)
	default:
		err = errors.Errorf("unknown state %d", s.state)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "frame %d", frame.ID)
	}

	s.frames++
	step.Elapsed = time.Since(start)
	if step.Elapsed > 0 {
		s.log.Debugf("Frame %d %v: %.2f fps", frame.ID, step.State, float64(time.Second)/float64(step.Elapsed))
	}
	return step, nil
}

func (s *Session) search(frame inference.Frame, res *inference.Result) (*Step, error) {
	step := &Step{
		Frame:      frame,
		State:      Searching,
		Detections: res.Detections,
		Projection: res.Projection,
	}

	done := s.prof.StartOperation(profiler.OpSelect)
	box, ok := target.Select(res.Detections, s.task.TargetClass, s.rule)
	done()
	if !ok {
		return step, nil
	}

	done = s.prof.StartOperation(profiler.OpRecommend)
	sel, err := s.recommender.Recommend(res.Activations, s.task.Layers, res.Projection, frame.Size(), box)
	done()
	if err != nil {
		return nil, errors.Wrap(err, "recommend")
	}

	done = s.prof.StartOperation(profiler.OpReconstruct)
	selected, err := s.reconstructor.Reconstruct(res.Activations, s.task.Layers, sel, sel.Layers)
	done()
	if err != nil {
		return nil, errors.Wrap(err, "reconstruct")
	}

	s.state = Locked
	s.target = box
	s.selection = sel
	s.lockFrame = frame.ID
	if cutoff := sel.Cutoff(); cutoff >= 0 {
		s.stopAt = cutoff
	}

	primary, _ := sel.Primary()
	s.log.Infof("Locked %v at %v on frame %d: layers %v, primary %d, cutoff %d",
		s.task.TargetClass, box, frame.ID, s.absolute(sel.Layers), primary, s.stopAt)

	step.State = Locked
	step.Locking = true
	step.Target = box
	step.Selection = sel
	step.Selected = selected
	return step, nil
}

func (s *Session) track(frame inference.Frame, res *inference.Result) (*Step, error) {
	done := s.prof.StartOperation(profiler.OpReconstruct)
	defer done()

	selected, err := s.reconstructor.Reconstruct(res.Activations, s.task.Layers, s.selection, s.selection.Layers)
	if err != nil {
		return nil, errors.Wrap(err, "reconstruct selected")
	}
	overview, err := s.reconstructor.Reconstruct(res.Activations, s.task.Layers, nil, s.selection.Layers)
	if err != nil {
		return nil, errors.Wrap(err, "reconstruct overview")
	}
	return &Step{
		Frame:      frame,
		State:      Locked,
		Target:     s.target,
		Selection:  s.selection,
		Projection: res.Projection,
		Selected:   selected,
		Overview:   overview,
	}, nil
}

func (s *Session) absolute(positions []int) []int {
	out := make([]int, len(positions))
	for i, p := range positions {
		out[i] = s.task.Layers.At(p)
	}
	return out
}

// Run processes frames from source until it is exhausted, the renderer returns ErrStopped or ctx
// is done.
//
// Arguments:
//   - ctx: Stops the loop when done.
//   - source: The frames to process.
//   - sink: Receives every step. May be nil.
//
// Returns:
//   - error: nil on end of stream or ErrStopped, ctx.Err() on cancellation, otherwise the first
//     processing error.
func (s *Session) Run(ctx context.Context, source FrameSource, sink Renderer) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := source.Next(ctx)
		if errors.Is(err, io.EOF) {
			s.log.Infof("End of stream after %d frames", s.frames)
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "next frame")
		}

		step, err := s.Step(ctx, frame)
		if err != nil {
			return err
		}
		if sink == nil {
			continue
		}

		done := s.prof.StartOperation(profiler.OpRender)
		err = sink.Render(ctx, step)
		done()
		if errors.Is(err, ErrStopped) {
			s.log.Infof("Stopped after %d frames", s.frames)
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "render")
		}
	}
}
