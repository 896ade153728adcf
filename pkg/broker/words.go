// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package broker

// Word lists for the adjective_animal naming scheme. Order matters: the
// scheme indexes into these lists by seeded position, so appending is safe
// but reordering or removing entries would change existing pseudonym
// allocation for new patients.
var adjectives = []string{
	"able", "agile", "amber", "ancient", "arctic", "autumn", "azure", "bold",
	"brave", "bright", "brisk", "calm", "candid", "cedar", "chief", "civil",
	"clear", "clever", "cobalt", "coral", "cosmic", "crimson", "curious", "daring",
	"dawn", "deep", "dense", "eager", "early", "earnest", "easy", "electric",
	"elegant", "emerald", "even", "exact", "fair", "fast", "fearless", "fine",
	"firm", "fleet", "fluent", "fond", "frank", "free", "fresh", "frosty",
	"gentle", "gifted", "glad", "golden", "grand", "great", "green", "happy",
	"hardy", "hazel", "honest", "humble", "indigo", "iron", "ivory", "jade",
	"jolly", "keen", "kind", "large", "light", "lively", "loyal", "lucid",
	"lucky", "lunar", "magic", "major", "mellow", "merry", "mighty", "modern",
	"modest", "mossy", "noble", "north", "novel", "olive", "opal", "orderly",
	"pale", "patient", "peaceful", "plain", "polar", "proud", "pure", "quick",
	"quiet", "rapid", "rare", "ready", "regal", "robust", "rosy", "royal",
	"rustic", "sable", "sage", "sandy", "scarlet", "serene", "sharp", "silent",
	"silver", "sincere", "sleek", "smart", "smooth", "snowy", "solar", "solid",
	"sound", "spry", "stable", "steady", "stern", "still", "stout", "strong",
	"sturdy", "subtle", "summer", "sunny", "swift", "tidy", "timely", "topaz",
	"tranquil", "true", "trusty", "umber", "upright", "urban", "valiant", "velvet",
	"vernal", "vivid", "warm", "wary", "western", "wild", "wise", "witty",
	"worthy", "young", "zealous", "zesty",
}

var animals = []string{
	"albatross", "antelope", "badger", "bear", "beaver", "bison", "bittern",
	"bobcat", "buffalo", "bustard", "buzzard", "caribou", "cheetah", "chinchilla",
	"chipmunk", "condor", "cormorant", "cougar", "crane", "curlew", "deer",
	"dolphin", "dormouse", "dove", "eagle", "egret", "elk", "ermine",
	"falcon", "ferret", "finch", "fisher", "flamingo", "fox", "gazelle",
	"gecko", "gibbon", "giraffe", "goldfinch", "goose", "gopher", "grouse",
	"gull", "hamster", "hare", "harrier", "hawk", "hedgehog", "heron",
	"hoopoe", "ibex", "ibis", "iguana", "impala", "jackal", "jaguar",
	"jay", "kestrel", "kingfisher", "kite", "koala", "lark", "lemming",
	"lemur", "leopard", "linnet", "lion", "llama", "loon", "lynx",
	"macaw", "magpie", "mallard", "marmot", "marten", "meerkat", "merlin",
	"mink", "mole", "moose", "mouflon", "muskrat", "newt", "nightjar",
	"nuthatch", "ocelot", "oriole", "osprey", "otter", "owl", "panda",
	"pangolin", "panther", "partridge", "pelican", "penguin", "petrel", "pheasant",
	"pika", "pipit", "plover", "polecat", "porcupine", "puffin", "puma",
	"quail", "rabbit", "raccoon", "rail", "raven", "redstart", "reindeer",
	"robin", "roebuck", "rook", "sable", "salamander", "sandpiper", "seal",
	"serval", "shearwater", "shrike", "skylark", "sloth", "snipe", "sparrow",
	"squirrel", "starling", "stoat", "stork", "swallow", "swan", "swift",
	"tanager", "tapir", "teal", "tern", "thrush", "tiger", "toucan",
	"turnstone", "turtle", "vicuna", "vole", "wagtail", "wallaby", "walrus",
	"wapiti", "warbler", "weasel", "whimbrel", "wigeon", "wolf", "wolverine",
	"wombat", "woodcock", "woodpecker", "wren", "yak", "zebra",
}
