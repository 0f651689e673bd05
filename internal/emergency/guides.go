package emergency

import "dgmonitor/internal/model"

// ResponseGuide is the emergency-response reference for one hazard class, as printed on
// an emergency information panel.
type ResponseGuide struct {
	HazardClass        string `json:"hazardClass"`
	ClassName          string `json:"className"`
	PrimaryHazard      string `json:"primaryHazard"`
	IsolationMeters    int    `json:"isolationMeters"`
	EvacuationMeters   int    `json:"evacuationMeters"`
	FireResponse       string `json:"fireResponse"`
	SpillResponse      string `json:"spillResponse"`
	MedicalResponse    string `json:"medicalResponse"`
	PublicSafetyAdvice string `json:"publicSafetyAdvice"`
}

// Initial isolation and evacuation distances follow the orange-guide defaults for
// large packages of each class.
var guides = map[string]ResponseGuide{
	"1": {
		ClassName: "Explosives", PrimaryHazard: "Explosion and projection hazard",
		IsolationMeters: 500, EvacuationMeters: 1600,
		FireResponse:       "Do not fight fire when it reaches the cargo. Withdraw and let it burn.",
		SpillResponse:      "Do not touch or move cargo. Eliminate ignition sources.",
		MedicalResponse:    "Move casualties to a safe area. Treat blast and burn injuries.",
		PublicSafetyAdvice: "Evacuate in all directions. Keep unauthorised personnel away.",
	},
	"2": {
		ClassName: "Gases", PrimaryHazard: "Flammable, toxic or asphyxiant gas under pressure",
		IsolationMeters: 100, EvacuationMeters: 800,
		FireResponse:       "Stop the leak if safe. Cool containers with water spray from maximum distance.",
		SpillResponse:      "Stop the leak if safe. Ventilate. Do not direct water at the source.",
		MedicalResponse:    "Move to fresh air. Give oxygen if breathing is difficult. Treat frostbite with lukewarm water.",
		PublicSafetyAdvice: "Stay upwind and out of low areas.",
	},
	"3": {
		ClassName: "Flammable liquids", PrimaryHazard: "Highly flammable; vapours may form explosive mixtures",
		IsolationMeters: 50, EvacuationMeters: 300,
		FireResponse:       "Use dry chemical, CO2 or alcohol-resistant foam. Water may be ineffective.",
		SpillResponse:      "Eliminate ignition sources. Dike far ahead of the spill. Absorb with dry earth or sand.",
		MedicalResponse:    "Move to fresh air. Remove contaminated clothing. Flush skin and eyes with water for 20 minutes.",
		PublicSafetyAdvice: "Stay upwind. Keep out of low areas.",
	},
	"4": {
		ClassName: "Flammable solids", PrimaryHazard: "Flammable; may react with water or ignite spontaneously",
		IsolationMeters: 50, EvacuationMeters: 300,
		FireResponse:       "Use dry sand, dry chemical or soda ash. Do not use water on water-reactive material.",
		SpillResponse:      "Cover with dry earth or sand. Keep material dry.",
		MedicalResponse:    "Brush off loose particles. Flush skin with water unless water-reactive.",
		PublicSafetyAdvice: "Keep unauthorised personnel away. Stay upwind.",
	},
	"5": {
		ClassName: "Oxidizers and organic peroxides", PrimaryHazard: "Intensifies fire; may explode when heated",
		IsolationMeters: 50, EvacuationMeters: 800,
		FireResponse:       "Flood with water from a distance. Do not use dry chemical or foam.",
		SpillResponse:      "Keep combustibles away. Do not absorb with sawdust or other combustible material.",
		MedicalResponse:    "Move to fresh air. Flush skin and eyes with running water for 20 minutes.",
		PublicSafetyAdvice: "Isolate the area. Keep combustibles away.",
	},
	"6": {
		ClassName: "Toxic and infectious substances", PrimaryHazard: "Toxic by inhalation, ingestion or skin contact",
		IsolationMeters: 50, EvacuationMeters: 800,
		FireResponse:       "Fight fire from maximum distance. Contain runoff.",
		SpillResponse:      "Do not touch damaged containers without protective clothing. Prevent entry into waterways.",
		MedicalResponse:    "Move to fresh air. Give artificial respiration if needed. Avoid mouth-to-mouth.",
		PublicSafetyAdvice: "Stay upwind. Keep people away from the spill.",
	},
	"7": {
		ClassName: "Radioactive material", PrimaryHazard: "Ionising radiation and contamination",
		IsolationMeters: 25, EvacuationMeters: 300,
		FireResponse:       "Fight fire as for the surrounding materials. Do not move damaged packages.",
		SpillResponse:      "Do not touch damaged packages. Cover liquid spills with sand or earth.",
		MedicalResponse:    "Medical problems take priority over radiation concerns. Notify radiation authority.",
		PublicSafetyAdvice: "Detain uninjured persons suspected of contamination until assessed.",
	},
	"8": {
		ClassName: "Corrosives", PrimaryHazard: "Causes severe burns; may react with water",
		IsolationMeters: 50, EvacuationMeters: 300,
		FireResponse:       "Use dry chemical or CO2. Do not get water inside containers.",
		SpillResponse:      "Absorb with dry earth or sand. Neutralise only under expert guidance.",
		MedicalResponse:    "Flush skin and eyes with water for at least 20 minutes. Remove contaminated clothing.",
		PublicSafetyAdvice: "Stay upwind. Keep people away from low areas.",
	},
	"9": {
		ClassName: "Miscellaneous dangerous goods", PrimaryHazard: "Varies; may be environmentally hazardous",
		IsolationMeters: 25, EvacuationMeters: 100,
		FireResponse:       "Use extinguishing agent suited to the surrounding fire.",
		SpillResponse:      "Prevent entry into drains and waterways. Collect for disposal.",
		MedicalResponse:    "Move to fresh air. Flush contacted skin and eyes with water.",
		PublicSafetyAdvice: "Keep unauthorised personnel away.",
	},
}

// GuideFor returns the response guide for a class or division.
func GuideFor(class string) (ResponseGuide, bool) {
	m := model.MainHazardClass(class)
	g, ok := guides[m]
	if !ok {
		return ResponseGuide{}, false
	}
	g.HazardClass = m
	return g, true
}
