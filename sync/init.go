package sync

// Flavour selects the pair of systems the engine reconciles.
type Flavour int

const (
	Ripple2REDCap Flavour = iota
)

// initialisedFlavour stores the flavour set by Init.
// A nil value means Init has not been called.
var initialisedFlavour *Flavour

// mustBeInitialised panics if Init has not been called.
// This should be called at the entry points of the library
// to catch programming errors early.
func mustBeInitialised() Flavour {
	if initialisedFlavour == nil {
		panic("sync: Init() must be called before using this package")
	}
	return *initialisedFlavour
}

// GetInitialisedFlavour returns the flavour set by Init.
// Panics if Init has not been called.
func GetInitialisedFlavour() Flavour {
	return mustBeInitialised()
}

func Init(flavour Flavour) {

	f := flavour
	initialisedFlavour = &f

	if flavour == Ripple2REDCap { // currently the only flavour
		registerModifiers()
	}

}
