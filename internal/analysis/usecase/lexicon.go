package usecase

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

var positiveWords = wordSet(
	"good", "excellent", "happy", "joy", "love", "like", "positive", "great", "awesome",
	"amazing", "fantastic", "wonderful", "brilliant", "fabulous", "marvelous", "perfect", "ideal", "outstanding",
	"superb", "incredible", "phenomenal", "magnificent", "splendid", "terrific", "stellar", "exceptional",
	"satisfied", "pleased", "content", "delighted", "gratified", "nice", "pleasant", "agreeable",
	"adore", "cherish", "treasure", "fond", "affection", "passion", "devotion", "infatuation",
	"success", "triumph", "victory", "achievement", "accomplishment", "progress", "breakthrough",
	"win", "winner", "champion", "masterpiece", "best", "top", "prime", "peak",
	"beautiful", "pretty", "lovely", "gorgeous", "stunning", "attractive", "handsome", "cute",
	"interesting", "fascinating", "captivating", "engaging", "enthralling", "absorbing", "gripping",
	"grateful", "thankful", "appreciative", "thanks", "appreciation", "gratitude",
	"inspired", "motivated", "empowered", "encouraged", "uplifted", "energized", "determined",
	"kind", "kindhearted", "generous", "benevolent", "compassionate", "thoughtful", "considerate",
	"strong", "powerful", "robust", "reliable", "dependable", "trustworthy", "solid", "secure",
)

var negativeWords = wordSet(
	"bad", "sad", "angry", "hate", "terrible", "negative", "worse", "awful", "horrible",
	"mad", "furious", "enraged", "irritated", "annoyed", "aggravated", "frustrated", "resentful",
	"unhappy", "depressed", "miserable", "sorrowful", "gloomy", "melancholy", "heartbroken", "devastated",
	"despondent", "disheartened", "downcast", "forlorn", "dismal", "bleak", "grim",
	"afraid", "scared", "frightened", "terrified", "panicked", "anxious", "worried", "nervous",
	"disgust", "disgusting", "revolting", "repulsive", "nauseating", "sickening", "contempt", "despise",
	"disappointed", "displeased", "dissatisfied", "discontent", "disenchanted", "disillusioned", "letdown",
	"ashamed", "guilty", "embarrassed", "humiliated", "mortified", "remorseful", "regretful",
	"pain", "painful", "hurt", "suffering", "agony", "anguish", "torment", "torture", "misery",
	"stressed", "overwhelmed", "burdened", "pressured", "tense", "strained", "frazzled", "burnedout",
	"lonely", "alone", "isolated", "abandoned", "forsaken", "rejected", "excluded", "alienated",
	"hopeless", "desperate", "despair", "helpless", "powerless", "defeated", "crushed",
	"difficult", "hard", "challenging", "complicated", "complex", "problematic", "troublesome",
	"wrong", "incorrect", "mistake", "error", "fault", "flaw", "defect", "failure", "defeat", "loss",
	"ugly", "unattractive", "hideous", "grotesque", "repellent", "unsightly", "unpleasant",
	"weak", "feeble", "fragile", "brittle", "flimsy", "unreliable", "untrustworthy", "shaky", "unstable",
)
