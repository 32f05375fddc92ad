package backbone

// Option is a function that configures Net
type Option func(*Net)

// WithInputSize sets the width, height and channel count of input images
func WithInputSize(width, height, channels int) Option {
	return func(n *Net) {
		n.width = width
		n.height = height
		n.channels = channels
	}
}

// WithGrid sets the side length of the pooling grid of the stem
func WithGrid(grid int) Option {
	return func(n *Net) {
		n.grid = grid
	}
}

// WithHidden sets the width of the features layer
func WithHidden(hidden int) Option {
	return func(n *Net) {
		n.hidden = hidden
	}
}

// WithClasses sets the number of outputs of the fc head
func WithClasses(classes int) Option {
	return func(n *Net) {
		n.classes = classes
	}
}

// WithSeed sets the seed of the weight initialization
func WithSeed(seed int64) Option {
	return func(n *Net) {
		n.seed = seed
	}
}
