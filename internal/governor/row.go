package governor

// Row is the per cycle status of one core group.
type Row struct {
	Line    string
	Leader  int
	Load    int32 // averaged load in equivalent MHz
	Freq    int32 // clock sampled this cycle, MHz
	Wanted  int32 // clock asked for before bounds apply, MHz
	Temp    int32 // decikelvin, valid if HasTemp
	HasTemp bool
}

// Observer receives the status rows after every cycle. The slice is
// reused by the next cycle.
type Observer interface {
	Observe(rows []Row)
}
